package voicebot

import (
	"context"
	"errors"

	"VoiceChat/internal/dispatch"
	"VoiceChat/internal/fetch"
	"VoiceChat/internal/voice"
)

// User-facing wording
const (
	StatusConnecting      = "Connecting..."
	StatusConnected       = "Connected"
	StatusRestored        = "Session restored"
	StatusConnectFailed   = "Connection failed"
	StatusReady           = "Ready"
	StatusListening       = "Listening..."
	StatusProcessing      = "Processing..."
	StatusRetry           = "Error - Ready to retry"
	StatusNotUnderstood   = "Could not understand. Please try again."
	NoticeOffline         = "You are offline. Some features may not work."
	NoticeOfflineListen   = "You are offline. Please check your internet connection."
	NoticeRestored        = "Connection restored"
	NoticeMicPermission   = "Please allow microphone access to use voice input."
	NoticeConversationEnd = "Conversation ended. Your next message starts a new session."

	warningPrefix = "⚠️ "

	MsgConnectFailed = warningPrefix + "Unable to connect to the server. Please check your connection and try again."
	MsgTimeout       = warningPrefix + "Request timed out. The server might be busy. Please try again."
	MsgOffline       = warningPrefix + "You appear to be offline. Please check your internet connection."
	MsgGaveUp        = warningPrefix + "Unable to reach the server after multiple attempts. Please try again later."
	MsgGeneric       = warningPrefix + "Error communicating with the agent. Please try again."
)

// FailureMessage picks the agent message shown after a failed exchange.
// retryCount already includes the failure being reported.
func FailureMessage(err error, online bool, retryCount, maxRetries int) string {
	switch {
	case isTimeout(err):
		return MsgTimeout
	case !online:
		return MsgOffline
	case dispatch.Classify(err) == dispatch.KindSessionUnavailable:
		return MsgConnectFailed
	case retryCount >= maxRetries:
		return MsgGaveUp
	default:
		return MsgGeneric
	}
}

func isTimeout(err error) bool {
	return dispatch.Classify(err) == dispatch.KindTimeout ||
		errors.Is(err, context.DeadlineExceeded) ||
		fetch.IsTimeout(err)
}

// RecognitionMessage renders a recognition failure as a status line.
func RecognitionMessage(err error) string {
	code := voice.RecognitionCode(err)
	switch code {
	case voice.CodeNoSpeech:
		return "Error: No speech detected"
	case voice.CodeAudioCapture:
		return "Error: Microphone not found"
	case voice.CodeNotAllowed:
		return "Error: Microphone permission denied"
	case "":
		return "Error: " + err.Error()
	default:
		return "Error: " + code
	}
}
