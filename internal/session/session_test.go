package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/agenttest"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/store"
)

const storageKey = "aba_session_id"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, backend *agenttest.Server, kv Store) *Manager {
	t.Helper()
	fetcher, err := fetch.New(fetch.Options{Logger: testLogger(), RetryDelay: 0})
	require.NoError(t, err)

	m, err := NewManager(kv, fetcher, Config{
		NewSessionURL: backend.URL + agentapi.PathNewSession,
		StorageKey:    storageKey,
		MaxAttempts:   3,
	}, testLogger())
	require.NoError(t, err)
	return m
}

func TestEnsureCreatesAndPersists(t *testing.T) {
	ctx := context.Background()
	backend := agenttest.New(t)
	backend.QueueSessionIDs("abc")
	kv := store.NewMemory()
	m := newTestManager(t, backend, kv)

	sess, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "abc", Origin: OriginCreated}, sess)

	saved, ok, _ := kv.Get(ctx, storageKey)
	assert.True(t, ok)
	assert.Equal(t, "abc", saved)

	again, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, OriginCached, again.Origin)
	assert.Equal(t, 1, backend.NewSessionCalls())
}

func TestEnsureRestoresAcrossReload(t *testing.T) {
	ctx := context.Background()
	backend := agenttest.New(t)
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, storageKey, "abc"))

	// a fresh manager over the same storage simulates a reload
	m := newTestManager(t, backend, kv)
	sess, err := m.Ensure(ctx)
	require.NoError(t, err)

	assert.Equal(t, Session{ID: "abc", Origin: OriginRestored}, sess)
	assert.Equal(t, "abc", m.Current())
	assert.Zero(t, backend.NewSessionCalls())
}

func TestRenewReplacesSession(t *testing.T) {
	ctx := context.Background()
	backend := agenttest.New(t)
	backend.QueueSessionIDs("xyz")
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, storageKey, "abc"))
	m := newTestManager(t, backend, kv)

	_, err := m.Ensure(ctx)
	require.NoError(t, err)

	sess, err := m.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, "xyz", sess.ID)

	saved, _, _ := kv.Get(ctx, storageKey)
	assert.Equal(t, "xyz", saved)
	assert.Equal(t, 1, backend.NewSessionCalls())
}

func TestEnsureRetriesNetworkFailures(t *testing.T) {
	backend := agenttest.New(t)
	backend.DropNewSession(2)
	m := newTestManager(t, backend, store.NewMemory())

	sess, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 3, backend.NewSessionCalls())
}

func TestEnsureFailsAfterExhaustingAttempts(t *testing.T) {
	ctx := context.Background()
	backend := agenttest.New(t)
	backend.DropNewSession(3)
	kv := store.NewMemory()
	m := newTestManager(t, backend, kv)

	_, err := m.Ensure(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, backend.NewSessionCalls())
	assert.Empty(t, m.Current())

	_, ok, _ := kv.Get(ctx, storageKey)
	assert.False(t, ok)
}

type fakeRequester struct {
	resp *fetch.Response
	err  error
	reqs []fetch.Request
}

func (f *fakeRequester) Do(_ context.Context, req fetch.Request, _ int) (*fetch.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func TestEnsureRejectsBadBackendAnswers(t *testing.T) {
	tests := []struct {
		name string
		resp *fetch.Response
	}{
		{"server error", &fetch.Response{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}},
		{"malformed body", &fetch.Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"abc"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requester := &fakeRequester{resp: tt.resp}
			m, err := NewManager(store.NewMemory(), requester, Config{
				NewSessionURL: "http://agent/new-session",
				StorageKey:    storageKey,
			}, testLogger())
			require.NoError(t, err)

			_, err = m.Ensure(context.Background())
			assert.ErrorIs(t, err, ErrUnavailable)
			require.Len(t, requester.reqs, 1)
			assert.Equal(t, http.MethodPost, requester.reqs[0].Method)
		})
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk on fire")
}

func (failingStore) Delete(context.Context, string) error {
	return errors.New("disk on fire")
}

func TestEnsureToleratesStorageFailures(t *testing.T) {
	requester := &fakeRequester{resp: &fetch.Response{StatusCode: http.StatusOK, Body: []byte(`{"session_id":"abc"}`)}}
	m, err := NewManager(&failingStore{}, requester, Config{
		NewSessionURL: "http://agent/new-session",
		StorageKey:    storageKey,
	}, testLogger())
	require.NoError(t, err)

	sess, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", sess.ID)
	assert.Equal(t, "abc", m.Current())
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, storageKey, "abc"))
	m := newTestManager(t, agenttest.New(t), kv)

	_, err := m.Ensure(ctx)
	require.NoError(t, err)
	m.Discard(ctx)

	assert.Empty(t, m.Current())
	_, ok, _ := kv.Get(ctx, storageKey)
	assert.False(t, ok)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(store.NewMemory(), &fakeRequester{}, Config{NewSessionURL: "u", StorageKey: "k"}, nil)
	assert.Error(t, err)

	_, err = NewManager(store.NewMemory(), &fakeRequester{}, Config{StorageKey: "k"}, testLogger())
	assert.Error(t, err)
}
