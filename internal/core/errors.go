package core

import "fmt"

// ValidationError reports bad input shape or values.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a caller that is not the owner (or not
// authenticated at all).
type AuthorizationError struct{ Msg string }

func (e *AuthorizationError) Error() string { return e.Msg }

func Unauthorized(msg string) error { return &AuthorizationError{Msg: msg} }

// NotFoundError reports an unresolvable campaign or recipient id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// StateConflictError reports an action that is invalid for the
// campaign's current status, e.g. cancel on a SENT campaign.
type StateConflictError struct {
	Action string
	Status string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s a campaign in status %s", e.Action, e.Status)
}

func Conflict(action, status string) error {
	return &StateConflictError{Action: action, Status: status}
}

// ProviderError wraps a failed or unreachable provider call.
type ProviderError struct{ Err error }

func (e *ProviderError) Error() string { return "provider: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing required secret or credential.
// Always fatal at the point of use.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return e.Msg }

func Misconfigured(msg string) error { return &ConfigurationError{Msg: msg} }
