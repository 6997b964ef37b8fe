package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/agenttest"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/session"
	"VoiceChat/internal/store"
)

const storageKey = "aba_session_id"

type harness struct {
	backend    *agenttest.Server
	kv         *store.Memory
	sessions   *session.Manager
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := agenttest.New(t)
	kv := store.NewMemory()

	fetcher, err := fetch.New(fetch.Options{Logger: logger, RetryDelay: 0, Timeout: 2 * time.Second})
	require.NoError(t, err)

	sessions, err := session.NewManager(kv, fetcher, session.Config{
		NewSessionURL: backend.URL + agentapi.PathNewSession,
		StorageKey:    storageKey,
		MaxAttempts:   3,
	}, logger)
	require.NoError(t, err)

	d, err := New(sessions, fetcher, Config{
		AgentURL:    backend.URL + agentapi.PathAgent,
		MaxAttempts: 3,
	}, logger, nil)
	require.NoError(t, err)

	return &harness{backend: backend, kv: kv, sessions: sessions, dispatcher: d}
}

func (h *harness) saved(t *testing.T) string {
	t.Helper()
	value, _, err := h.kv.Get(context.Background(), storageKey)
	require.NoError(t, err)
	return value
}

func TestSendWithRestoredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, storageKey, "abc"))
	h.backend.AddSession("abc")
	h.backend.SetReply(func(agentapi.Request) string { return "hi" })

	reply, err := h.dispatcher.Send(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, "hi", reply.Text)
	assert.Zero(t, h.backend.NewSessionCalls())
	assert.Equal(t, []agentapi.Request{{SessionID: "abc", Message: "hello"}}, h.backend.AgentRequests())
}

func TestSendCreatesSessionWhenNoneSaved(t *testing.T) {
	h := newHarness(t)
	h.backend.QueueSessionIDs("abc")

	reply, err := h.dispatcher.Send(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, "echo: hello", reply.Text)
	assert.Equal(t, 1, h.backend.NewSessionCalls())
	assert.Equal(t, "abc", h.saved(t))
}

func TestSendRecoversExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, storageKey, "abc"))
	h.backend.QueueSessionIDs("xyz")
	h.backend.SetReply(func(agentapi.Request) string { return "hi" })

	reply, err := h.dispatcher.Send(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, "hi", reply.Text)
	assert.Equal(t, "xyz", h.saved(t))
	assert.Equal(t, "xyz", h.sessions.Current())
	assert.Equal(t, 1, h.backend.NewSessionCalls())
	assert.Equal(t, []agentapi.Request{
		{SessionID: "abc", Message: "hello"},
		{SessionID: "xyz", Message: "hello"},
	}, h.backend.AgentRequests())
}

func TestSendGivesUpAfterSecondNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.QueueSessionIDs("abc", "xyz")
	_, err := h.sessions.Ensure(ctx)
	require.NoError(t, err)
	h.backend.QueueAgentStatus(http.StatusNotFound, http.StatusNotFound)

	_, err = h.dispatcher.Send(ctx, "hello")

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, KindSessionExpired, Classify(err))
	assert.Equal(t, 2, h.backend.AgentCalls())
	assert.Equal(t, 2, h.backend.NewSessionCalls())
}

func TestSendServerErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.backend.QueueAgentStatus(http.StatusInternalServerError)

	_, err := h.dispatcher.Send(context.Background(), "hello")

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusInternalServerError, srvErr.StatusCode)
	assert.Equal(t, "Server error: 500", err.Error())
	assert.Equal(t, KindServer, Classify(err))
	assert.Equal(t, 1, h.backend.AgentCalls())
}

func TestSendRecoversFromTransientNetworkFailures(t *testing.T) {
	h := newHarness(t)
	h.backend.DropAgent(2)

	reply, err := h.dispatcher.Send(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, "echo: hello", reply.Text)
	assert.Equal(t, 3, h.backend.AgentCalls())
}

func TestSendNetworkFailureAfterAllAttempts(t *testing.T) {
	h := newHarness(t)
	h.backend.DropAgent(3)

	_, err := h.dispatcher.Send(context.Background(), "hello")

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Timeout())
	assert.Equal(t, KindNetwork, Classify(err))
	assert.Equal(t, 3, h.backend.AgentCalls())
}

func TestSendSessionUnavailable(t *testing.T) {
	h := newHarness(t)
	h.backend.DropNewSession(3)

	_, err := h.dispatcher.Send(context.Background(), "hello")

	assert.ErrorIs(t, err, session.ErrUnavailable)
	assert.Equal(t, KindSessionUnavailable, Classify(err))
	assert.Zero(t, h.backend.AgentCalls())
}

type stubSessions struct{}

func (stubSessions) Ensure(context.Context) (session.Session, error) {
	return session.Session{ID: "abc", Origin: session.OriginCached}, nil
}

func (stubSessions) Renew(context.Context) (session.Session, error) {
	return session.Session{}, errors.New("unexpected renew")
}

type stubRequester struct {
	resp *fetch.Response
	err  error
}

func (s stubRequester) Do(context.Context, fetch.Request, int) (*fetch.Response, error) {
	return s.resp, s.err
}

func TestSendMalformedReply(t *testing.T) {
	d, err := New(stubSessions{}, stubRequester{resp: &fetch.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"reply":"hi"}`),
	}}, Config{AgentURL: "http://agent/agent"}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrMalformedReply)
	assert.ErrorIs(t, err, agentapi.ErrMalformed)
	assert.Equal(t, KindServer, Classify(err))
}

func TestSendTimeoutClassification(t *testing.T) {
	d, err := New(stubSessions{}, stubRequester{
		err: fmt.Errorf("attempt failed: %w", context.DeadlineExceeded),
	}, Config{AgentURL: "http://agent/agent"}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "hello")

	assert.Equal(t, KindTimeout, Classify(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"expired wrapped", fmt.Errorf("send: %w", ErrSessionExpired), KindSessionExpired},
		{"unavailable", fmt.Errorf("%w: refused", session.ErrUnavailable), KindSessionUnavailable},
		{"server", &ServerError{StatusCode: 502}, KindServer},
		{"network", &NetworkError{Err: errors.New("connection reset")}, KindNetwork},
		{"timeout", &NetworkError{Err: context.DeadlineExceeded}, KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
