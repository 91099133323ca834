package server

import "fmt"

// ValidationError reports a malformed, missing or out-of-range inbound
// field. It always maps to a 400 response carrying Reason as the detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AuthError reports a shared-secret mismatch. It maps to a 403 response.
type AuthError struct{}

func (e *AuthError) Error() string {
	return "unauthorized"
}
