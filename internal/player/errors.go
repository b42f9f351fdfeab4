package player

import (
	"fmt"
	"strings"
)

// Kind classifies a playback failure for the UI layer, which renders a
// retry affordance instead of crashing.
type Kind string

const (
	KindNetworkError     Kind = "NETWORK_ERROR"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindLoadFailed       Kind = "LOAD_FAILED"
	KindPlaybackError    Kind = "PLAYBACK_ERROR"
)

// Error is a caller-facing playback failure. It carries a human-readable
// message and the underlying error for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Classify maps a load failure onto the error taxonomy by inspecting its
// message: connectivity problems and permission errors get their own kinds,
// anything else is a generic load failure.
func Classify(err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network") || strings.Contains(msg, "connectivity"):
		return &Error{Kind: KindNetworkError, Message: "could not reach the audio source", Cause: err}
	case strings.Contains(msg, "permission"):
		return &Error{Kind: KindPermissionDenied, Message: "audio playback permission denied", Cause: err}
	default:
		return &Error{Kind: KindLoadFailed, Message: "could not load track", Cause: err}
	}
}

// playbackError wraps a control-operation failure.
func playbackError(message string, cause error) *Error {
	return &Error{Kind: KindPlaybackError, Message: message, Cause: cause}
}
