package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/store"
)

// Set TOKLIGENCE_TEST_POSTGRES_DSN to run against a live database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TOKLIGENCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOKLIGENCE_TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn, PoolConfig{MaxOpen: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresSessionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "relay-test-" + uuid.NewString()
	persona, err := s.SavePersona(ctx, store.Persona{
		Name:       name,
		Properties: map[string]string{"chatgpt_model": "gpt-4o"},
		Functions:  []string{"sendEmail", "lookup"},
	})
	if err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	got, err := s.PersonaByName(ctx, name)
	if err != nil {
		t.Fatalf("PersonaByName: %v", err)
	}
	if len(got.Functions) != 2 || got.Properties["chatgpt_model"] != "gpt-4o" {
		t.Fatalf("persona = %+v", got)
	}
	if _, err := s.SavePersona(ctx, store.Persona{Name: name}); !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("duplicate error = %v", err)
	}

	sess, err := s.CreateSession(ctx, persona.ID, "pg")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	raw := []chat.Message{{Role: chat.RoleUser, Content: "hi"}, {Role: chat.RoleAssistant, Content: "hello"}}
	if err := s.AppendMessages(ctx, sess.ID, raw, raw); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	history, err := s.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].Content != "hello" {
		t.Fatalf("history = %+v", history)
	}
	if _, err := s.Session(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing session error = %v", err)
	}
}
