package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	properties TEXT NOT NULL DEFAULT '{}',
	functions TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('raw','processed')),
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	function_name TEXT,
	function_arguments TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
INSERT INTO sessions(id, persona_id, title, created_at) VALUES(?, ?, ?, ?)`,
		sess.ID.String(), sess.PersonaID.String(), sess.Title, sess.CreatedAt)
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Session loads a session by id.
func (s *Store) Session(ctx context.Context, id uuid.UUID) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, persona_id, title, created_at FROM sessions WHERE id = ?`, id.String())
	var (
		sess              chat.Session
		rawID, rawPersona string
	)
	if err := row.Scan(&rawID, &rawPersona, &sess.Title, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Session{}, store.ErrNotFound
		}
		return chat.Session{}, err
	}
	var err error
	if sess.ID, err = uuid.Parse(rawID); err != nil {
		return chat.Session{}, fmt.Errorf("parse session id: %w", err)
	}
	if sess.PersonaID, err = uuid.Parse(rawPersona); err != nil {
		return chat.Session{}, fmt.Errorf("parse persona id: %w", err)
	}
	return sess, nil
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
SELECT id, kind, role, content, name, function_name, function_arguments, created_at
FROM messages
WHERE session_id = ? AND kind = ?
ORDER BY id ASC`, id.String(), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StoredMessage
	for rows.Next() {
		var (
			m            store.StoredMessage
			kindStr      string
			role         string
			fnName, args sql.NullString
		)
		if err := rows.Scan(&m.ID, &kindStr, &role, &m.Message.Content, &m.Message.Name, &fnName, &args, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SessionID = id
		m.Kind = store.MessageKind(kindStr)
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
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages(session_id, kind, role, content, name, function_name, function_arguments, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	insert := func(kind store.MessageKind, msgs []chat.Message) error {
		for _, m := range msgs {
			var fnName, args sql.NullString
			if m.FunctionCall != nil {
				fnName = sql.NullString{String: m.FunctionCall.Name, Valid: true}
				args = sql.NullString{String: m.FunctionCall.Arguments, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, id.String(), string(kind), string(m.Role), m.Content, m.Name, fnName, args, now); err != nil {
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
	props, err := json.Marshal(nonNilMap(p.Properties))
	if err != nil {
		return store.Persona{}, fmt.Errorf("encode properties: %w", err)
	}
	fns, err := json.Marshal(nonNilSlice(p.Functions))
	if err != nil {
		return store.Persona{}, fmt.Errorf("encode functions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO personas(id, name, description, system_prompt, properties, functions, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	system_prompt = excluded.system_prompt,
	properties = excluded.properties,
	functions = excluded.functions`,
		p.ID.String(), p.Name, p.Description, p.SystemPrompt, string(props), string(fns), p.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: personas.name") {
			return store.Persona{}, store.ErrDuplicateName
		}
		return store.Persona{}, fmt.Errorf("save persona: %w", err)
	}
	return p, nil
}

const personaColumns = `id, name, description, system_prompt, properties, functions, created_at`

// Persona loads a persona by id.
func (s *Store) Persona(ctx context.Context, id uuid.UUID) (store.Persona, error) {
	return scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id.String()))
}

// PersonaByName loads a persona by its unique name.
func (s *Store) PersonaByName(ctx context.Context, name string) (store.Persona, error) {
	return scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE name = ?`, strings.TrimSpace(name)))
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
		p                 store.Persona
		rawID, props, fns string
	)
	if err := row.Scan(&rawID, &p.Name, &p.Description, &p.SystemPrompt, &props, &fns, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Persona{}, store.ErrNotFound
		}
		return store.Persona{}, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return store.Persona{}, fmt.Errorf("parse persona id: %w", err)
	}
	p.ID = id
	if err := json.Unmarshal([]byte(props), &p.Properties); err != nil {
		return store.Persona{}, fmt.Errorf("decode properties: %w", err)
	}
	if err := json.Unmarshal([]byte(fns), &p.Functions); err != nil {
		return store.Persona{}, fmt.Errorf("decode functions: %w", err)
	}
	return p, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
