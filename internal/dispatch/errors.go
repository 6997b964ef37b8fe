package dispatch

import (
	"errors"
	"fmt"

	"VoiceChat/internal/agentapi"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/session"
)

var (
	// ErrSessionExpired is returned when the backend rejects a freshly renewed
	// session as well.
	ErrSessionExpired = errors.New("session expired")

	// ErrMalformedReply is returned for 2xx replies that do not match the reply schema.
	ErrMalformedReply = fmt.Errorf("malformed agent reply: %w", agentapi.ErrMalformed)
)

// ServerError is a non-2xx answer other than 404
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("Server error: %d", e.StatusCode)
}

// NetworkError is a transport failure that survived every fetch attempt
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the last attempt ran out of time.
func (e *NetworkError) Timeout() bool {
	return fetch.IsTimeout(e.Err)
}

// Kind classifies a dispatch failure
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindSessionExpired
	KindServer
	KindSessionUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindSessionExpired:
		return "session_expired"
	case KindServer:
		return "server"
	case KindSessionUnavailable:
		return "session_unavailable"
	default:
		return "unknown"
	}
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var netErr *NetworkError
	var srvErr *ServerError
	switch {
	case errors.Is(err, session.ErrUnavailable):
		return KindSessionUnavailable
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.As(err, &srvErr), errors.Is(err, agentapi.ErrMalformed):
		return KindServer
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	default:
		return KindUnknown
	}
}
