package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersonaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.SavePersona(ctx, store.Persona{
		Name:         "Mailer",
		SystemPrompt: "You send emails.",
		Properties:   map[string]string{"chatgpt_model": "gpt-4o", "chatgpt_temperature": "0.2"},
		Functions:    []string{"sendEmail"},
	})
	if err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	if saved.ID == uuid.Nil {
		t.Fatal("expected generated id")
	}

	got, err := s.Persona(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Persona: %v", err)
	}
	if got.Name != "Mailer" || got.Properties["chatgpt_model"] != "gpt-4o" {
		t.Fatalf("persona = %+v", got)
	}
	if len(got.Functions) != 1 || got.Functions[0] != "sendEmail" {
		t.Fatalf("functions = %v", got.Functions)
	}

	byName, err := s.PersonaByName(ctx, " Mailer ")
	if err != nil || byName.ID != saved.ID {
		t.Fatalf("PersonaByName = %+v, %v", byName, err)
	}

	saved.SystemPrompt = "Updated."
	if _, err := s.SavePersona(ctx, saved); err != nil {
		t.Fatalf("update persona: %v", err)
	}
	got, _ = s.Persona(ctx, saved.ID)
	if got.SystemPrompt != "Updated." {
		t.Fatalf("system prompt = %q", got.SystemPrompt)
	}

	if _, err := s.SavePersona(ctx, store.Persona{Name: "Mailer"}); !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("duplicate name error = %v", err)
	}
	if _, err := s.Persona(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing persona error = %v", err)
	}

	if _, err := s.SavePersona(ctx, store.Persona{Name: "Analyst"}); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	list, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("ListPersonas: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Analyst" || list[1].Name != "Mailer" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSessionMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	persona, err := s.SavePersona(ctx, store.Persona{Name: "Helper"})
	if err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	if _, err := s.CreateSession(ctx, uuid.New(), "orphan"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CreateSession with unknown persona = %v", err)
	}
	sess, err := s.CreateSession(ctx, persona.ID, " First chat ")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != "First chat" {
		t.Fatalf("title = %q", sess.Title)
	}
	loaded, err := s.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if loaded.PersonaID != persona.ID {
		t.Fatalf("persona id = %s", loaded.PersonaID)
	}

	raw := []chat.Message{
		{Role: chat.RoleUser, Content: "mail bob"},
		{Role: chat.RoleAssistant, FunctionCall: &chat.FunctionCall{Name: "sendEmail", Arguments: `{"to":"bob"}`}},
	}
	processed := []chat.Message{
		{Role: chat.RoleUser, Content: "<p>mail bob</p>"},
		raw[1],
	}
	if err := s.AppendMessages(ctx, sess.ID, raw, processed); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := s.AppendMessages(ctx, sess.ID, []chat.Message{{Role: chat.RoleUser, Content: "thanks"}}, nil); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	history, err := s.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d", len(history))
	}
	if history[0].Content != "mail bob" || history[2].Content != "thanks" {
		t.Fatalf("history order = %+v", history)
	}
	if history[1].FunctionCall == nil || history[1].FunctionCall.Arguments != `{"to":"bob"}` {
		t.Fatalf("function call not restored: %+v", history[1])
	}
	if history[0].FunctionCall != nil {
		t.Fatal("content message restored with function call")
	}

	proc, err := s.Messages(ctx, sess.ID, store.KindProcessed)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(proc) != 2 || proc[0].Message.Content != "<p>mail bob</p>" || proc[0].Kind != store.KindProcessed {
		t.Fatalf("processed = %+v", proc)
	}
	if _, err := s.Messages(ctx, sess.ID, "draft"); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Session(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Session error = %v", err)
	}
	err := s.AppendMessages(ctx, uuid.New(), []chat.Message{{Role: chat.RoleUser, Content: "x"}}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AppendMessages error = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
