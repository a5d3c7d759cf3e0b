package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/store"
)

// Reader loads persona records.
type Reader interface {
	Persona(ctx context.Context, id uuid.UUID) (store.Persona, error)
}

// Config configures a Service.
type Config struct {
	Store        Reader
	Functions    *FunctionRegistry
	DefaultModel string
	CacheSize    int
	CacheTTL     time.Duration
}

// resolved is the cached, parsed form of one persona.
type resolved struct {
	systemPrompt string
	params       chat.GenerationParameters
	functions    []chat.FunctionSchema
}

// Service resolves personas for the relay. Parsed personas are cached for
// CacheTTL; concurrent misses for the same persona share one store read.
type Service struct {
	store        Reader
	functions    *FunctionRegistry
	defaultModel string
	cache        *expirable.LRU[uuid.UUID, *resolved]
	group        singleflight.Group
}

// NewService builds a Service. CacheSize defaults to 256 and CacheTTL to one minute.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("persona: store required")
	}
	if cfg.Functions == nil {
		reg, err := NewFunctionRegistry(nil)
		if err != nil {
			return nil, err
		}
		cfg.Functions = reg
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Service{
		store:        cfg.Store,
		functions:    cfg.Functions,
		defaultModel: cfg.DefaultModel,
		cache:        expirable.NewLRU[uuid.UUID, *resolved](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

// SystemPrompt returns the persona's system prompt.
func (s *Service) SystemPrompt(ctx context.Context, id uuid.UUID) (string, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	return r.systemPrompt, nil
}

// GenerationParameters returns the persona's parameters with the default model applied.
func (s *Service) GenerationParameters(ctx context.Context, id uuid.UUID) (chat.GenerationParameters, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return chat.GenerationParameters{}, err
	}
	return r.params, nil
}

// RegisteredFunctions returns the schemas the persona references.
func (s *Service) RegisteredFunctions(ctx context.Context, id uuid.UUID) ([]chat.FunctionSchema, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.functions, nil
}

// Invalidate drops a cached persona so the next call rereads it.
func (s *Service) Invalidate(id uuid.UUID) {
	s.cache.Remove(id)
}

func (s *Service) resolve(ctx context.Context, id uuid.UUID) (*resolved, error) {
	if r, ok := s.cache.Get(id); ok {
		return r, nil
	}
	// Shared by every waiter on id; detached from the starting caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(id.String(), func() (any, error) {
		p, err := s.store.Persona(loadCtx, id)
		if err != nil {
			return nil, fmt.Errorf("persona %s: %w", id, err)
		}
		params, err := ParseParameters(p.Properties, s.defaultModel)
		if err != nil {
			return nil, err
		}
		functions, err := s.functions.Resolve(p.Functions)
		if err != nil {
			return nil, err
		}
		r := &resolved{systemPrompt: p.SystemPrompt, params: params, functions: functions}
		s.cache.Add(id, r)
		return r, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*resolved), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
