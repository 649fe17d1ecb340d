package unifi

import "fmt"

// AuthError reports a failed or expired controller session. It is recoverable
// at the cycle level: the client retries a request once after re-login, and a
// persisting failure surfaces to the reconcile cycle.
type AuthError struct {
	Reason string
	Status int
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("unifi authentication failed (status %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("unifi authentication failed: %s", e.Reason)
}

// APIError reports a non-2xx controller response unrelated to authentication.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unifi request failed with status %d: %s", e.Status, e.Body)
}

// ResponseError reports a controller response whose shape could not be
// interpreted, such as a create call returning no record.
type ResponseError struct {
	Op     string
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected unifi response for %s: %s", e.Op, e.Reason)
}
