package agentapi

// JSON types exchanged with the agent backend

// Endpoint paths relative to the API URL
const (
	PathNewSession = "/new-session"
	PathAgent      = "/agent"
)

// NewSessionResponse is returned by POST /new-session
type NewSessionResponse struct {
	SessionID string `json:"session_id"`
}

// Request is the body of POST /agent
type Request struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Reply is returned by POST /agent
type Reply struct {
	Text string `json:"text"`
	End  bool   `json:"end,omitempty"` // backend signals the conversation is over
}
