package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/fetch"
)

// ErrUnavailable wraps every failure to obtain a session from the backend.
var ErrUnavailable = errors.New("session unavailable")

// Origin tells where the current session id came from
type Origin string

const (
	OriginCached   Origin = "cached"
	OriginRestored Origin = "restored"
	OriginCreated  Origin = "created"
)

// Session is the active backend conversation
type Session struct {
	ID     string
	Origin Origin
}

// Store is durable key-value storage for the session id
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Requester performs resilient HTTP calls
type Requester interface {
	Do(ctx context.Context, req fetch.Request, maxAttempts int) (*fetch.Response, error)
}

// Config configures a Manager
type Config struct {
	NewSessionURL string
	StorageKey    string
	MaxAttempts   int
}

// Manager owns the single session id of a client
type Manager struct {
	store     Store
	requester Requester
	cfg       Config
	logger    *slog.Logger

	mu sync.Mutex
	id string
}

// NewManager creates a session manager
func NewManager(store Store, requester Requester, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if store == nil || requester == nil {
		return nil, fmt.Errorf("store and requester are required")
	}
	if cfg.NewSessionURL == "" || cfg.StorageKey == "" {
		return nil, fmt.Errorf("new-session url and storage key are required")
	}
	return &Manager{
		store:     store,
		requester: requester,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Ensure returns the current session, restoring it from storage or creating a
// new one on the backend when none is held.
func (m *Manager) Ensure(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id != "" {
		return Session{ID: m.id, Origin: OriginCached}, nil
	}

	saved, ok, err := m.store.Get(ctx, m.cfg.StorageKey)
	if err != nil {
		m.logger.Warn("failed to read saved session, creating a new one", "error", err)
	} else if ok && saved != "" {
		m.id = saved
		m.logger.Info("restored session", "session_id", saved)
		return Session{ID: saved, Origin: OriginRestored}, nil
	}

	id, err := m.create(ctx)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Origin: OriginCreated}, nil
}

// Renew discards the current session and creates exactly one new one.
func (m *Manager) Renew(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discard(ctx)
	id, err := m.create(ctx)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Origin: OriginCreated}, nil
}

// Discard forgets the current session in memory and in storage.
func (m *Manager) Discard(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discard(ctx)
}

// Current returns the held session id, or "" when none is held.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *Manager) discard(ctx context.Context) {
	if m.id != "" {
		m.logger.Info("discarding session", "session_id", m.id)
	}
	m.id = ""
	if err := m.store.Delete(ctx, m.cfg.StorageKey); err != nil {
		m.logger.Warn("failed to delete saved session", "error", err)
	}
}

// create must be called with m.mu held.
func (m *Manager) create(ctx context.Context) (string, error) {
	resp, err := m.requester.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    m.cfg.NewSessionURL,
	}, m.cfg.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: new-session returned %s", ErrUnavailable, resp.Status)
	}

	created, err := agentapi.DecodeNewSession(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.id = created.SessionID
	if err := m.store.Set(ctx, m.cfg.StorageKey, created.SessionID); err != nil {
		m.logger.Warn("failed to persist session", "session_id", created.SessionID, "error", err)
	}

	m.logger.Info("new session initialized", "session_id", created.SessionID)
	return created.SessionID, nil
}
