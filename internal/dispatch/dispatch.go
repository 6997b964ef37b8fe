package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/session"
)

// Sessions supplies the session id used for each exchange
type Sessions interface {
	Ensure(ctx context.Context) (session.Session, error)
	Renew(ctx context.Context) (session.Session, error)
}

// Requester performs resilient HTTP calls
type Requester interface {
	Do(ctx context.Context, req fetch.Request, maxAttempts int) (*fetch.Response, error)
}

// Config configures a Dispatcher
type Config struct {
	AgentURL    string
	MaxAttempts int
}

// Dispatcher sends user messages to the agent and recovers from session expiry
type Dispatcher struct {
	sessions  Sessions
	requester Requester
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Dispatcher. A nil tracer falls back to the global provider.
func New(sessions Sessions, requester Requester, cfg Config, logger *slog.Logger, tracer trace.Tracer) (*Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sessions == nil || requester == nil {
		return nil, fmt.Errorf("sessions and requester are required")
	}
	if cfg.AgentURL == "" {
		return nil, fmt.Errorf("agent url is required")
	}
	if tracer == nil {
		tracer = otel.Tracer("voicechat/dispatch")
	}
	return &Dispatcher{
		sessions:  sessions,
		requester: requester,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
	}, nil
}

// Send delivers text to the agent under the current session. A 404 renews the
// session and repeats the request once; a second 404 yields ErrSessionExpired.
func (d *Dispatcher) Send(ctx context.Context, text string) (agentapi.Reply, error) {
	ctx, span := d.tracer.Start(ctx, "agent.dispatch.send")
	defer span.End()

	reply, err := d.send(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
		return agentapi.Reply{}, err
	}
	return reply, nil
}

func (d *Dispatcher) send(ctx context.Context, text string) (agentapi.Reply, error) {
	sess, err := d.sessions.Ensure(ctx)
	if err != nil {
		return agentapi.Reply{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("session.origin", string(sess.Origin)),
	)

	resp, err := d.post(ctx, sess.ID, text)
	if err != nil {
		return agentapi.Reply{}, err
	}

	if resp.StatusCode == http.StatusNotFound {
		d.logger.Warn("session expired, creating a new one", "session_id", sess.ID)
		renewed, err := d.sessions.Renew(ctx)
		if err != nil {
			return agentapi.Reply{}, err
		}
		trace.SpanFromContext(ctx).AddEvent("session.renewed",
			trace.WithAttributes(attribute.String("session.id", renewed.ID)))

		resp, err = d.post(ctx, renewed.ID, text)
		if err != nil {
			return agentapi.Reply{}, err
		}
		if resp.StatusCode == http.StatusNotFound {
			d.logger.Error("renewed session rejected", "session_id", renewed.ID)
			return agentapi.Reply{}, ErrSessionExpired
		}
	}

	if !resp.OK() {
		d.logger.Error("agent returned an error", "status", resp.StatusCode)
		return agentapi.Reply{}, &ServerError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	reply, err := agentapi.DecodeReply(resp.Body)
	if err != nil {
		return agentapi.Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return reply, nil
}

func (d *Dispatcher) post(ctx context.Context, sessionID, text string) (*fetch.Response, error) {
	body, err := json.Marshal(agentapi.Request{SessionID: sessionID, Message: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := d.requester.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    d.cfg.AgentURL,
		Body:   body,
	}, d.cfg.MaxAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &NetworkError{Err: err}
	}
	return resp, nil
}
