package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// PoolConfig tunes the database/sql connection pool.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed store using the provided DSN and pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS personas (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	properties JSONB NOT NULL DEFAULT '{}'::jsonb,
	functions TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	persona_id UUID NOT NULL REFERENCES personas(id),
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind TEXT NOT NULL CHECK(kind IN ('raw','processed')),
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	function_name TEXT,
	function_arguments TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_session_kind ON messages(session_id, kind, id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session for personaID.
func (s *Store) CreateSession(ctx context.Context, personaID uuid.UUID, title string) (chat.Session, error) {
	if personaID == uuid.Nil {
		return chat.Session{}, errors.New("session requires persona id")
	}
	if _, err := s.Persona(ctx, personaID); err != nil {
		return chat.Session{}, err
	}
	sess := chat.Session{
		ID:        uuid.New(),
		PersonaID: personaID,
		Title:     strings.TrimSpace(title),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, persona_id, title, created_at) VALUES($1, $2, $3, $4)`,
		sess.ID, sess.PersonaID, sess.Title, sess.CreatedAt)
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Session loads a session by id.
func (s *Store) Session(ctx context.Context, id uuid.UUID) (chat.Session, error) {
	var sess chat.Session
	err := s.db.QueryRowContext(ctx, `SELECT id, persona_id, title, created_at FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.PersonaID, &sess.Title, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, store.ErrNotFound
	}
	return sess, err
}

// History returns the raw transcript of a session.
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]chat.Message, error) {
	stored, err := s.Messages(ctx, id, store.KindRaw)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.Message)
	}
	return out, nil
}

// Messages lists messages of one kind in insertion order.
func (s *Store) Messages(ctx context.Context, id uuid.UUID, kind store.MessageKind) ([]store.StoredMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid message kind %q", kind)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, name, function_name, function_arguments, created_at
FROM messages
WHERE session_id = $1 AND kind = $2
ORDER BY id ASC`, id, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StoredMessage
	for rows.Next() {
		var (
			m            = store.StoredMessage{SessionID: id, Kind: kind}
			role         string
			fnName, args sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Message.Content, &m.Message.Name, &fnName, &args, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Message.Role = chat.Role(role)
		if fnName.Valid {
			m.Message.FunctionCall = &chat.FunctionCall{Name: fnName.String, Arguments: args.String}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessages stores the raw and processed copies in one transaction.
func (s *Store) AppendMessages(ctx context.Context, id uuid.UUID, raw, processed []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	insert := func(kind store.MessageKind, msgs []chat.Message) error {
		for _, m := range msgs {
			var fnName, args sql.NullString
			if m.FunctionCall != nil {
				fnName = sql.NullString{String: m.FunctionCall.Name, Valid: true}
				args = sql.NullString{String: m.FunctionCall.Arguments, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(session_id, kind, role, content, name, function_name, function_arguments, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, string(kind), string(m.Role), m.Content, m.Name, fnName, args, now); err != nil {
				return fmt.Errorf("insert %s message: %w", kind, err)
			}
		}
		return nil
	}
	if err := insert(store.KindRaw, raw); err != nil {
		return err
	}
	if err := insert(store.KindProcessed, processed); err != nil {
		return err
	}
	return tx.Commit()
}

// SavePersona inserts p, or updates it when p.ID already exists.
func (s *Store) SavePersona(ctx context.Context, p store.Persona) (store.Persona, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return store.Persona{}, errors.New("persona name required")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	props := p.Properties
	if props == nil {
		props = map[string]string{}
	}
	rawProps, err := json.Marshal(props)
	if err != nil {
		return store.Persona{}, fmt.Errorf("encode properties: %w", err)
	}
	functions := p.Functions
	if functions == nil {
		functions = []string{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO personas(id, name, description, system_prompt, properties, functions, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	system_prompt = EXCLUDED.system_prompt,
	properties = EXCLUDED.properties,
	functions = EXCLUDED.functions`,
		p.ID, p.Name, p.Description, p.SystemPrompt, string(rawProps), pq.Array(functions), p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.Persona{}, store.ErrDuplicateName
		}
		return store.Persona{}, fmt.Errorf("save persona: %w", err)
	}
	return p, nil
}

const personaColumns = `id, name, description, system_prompt, properties, functions, created_at`

// Persona loads a persona by id.
func (s *Store) Persona(ctx context.Context, id uuid.UUID) (store.Persona, error) {
	return scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = $1`, id))
}

// PersonaByName loads a persona by its unique name.
func (s *Store) PersonaByName(ctx context.Context, name string) (store.Persona, error) {
	return scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE name = $1`, strings.TrimSpace(name)))
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]store.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPersona(row scanner) (store.Persona, error) {
	var (
		p     store.Persona
		props []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SystemPrompt, &props, pq.Array(&p.Functions), &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Persona{}, store.ErrNotFound
		}
		return store.Persona{}, err
	}
	if err := json.Unmarshal(props, &p.Properties); err != nil {
		return store.Persona{}, fmt.Errorf("decode properties: %w", err)
	}
	return p, nil
}
