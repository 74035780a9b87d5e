// Package agenterr defines the linked error structure shared by every
// subsystem of the device agent.
package agenterr

import "fmt"

// Domain classifies where an error originated.
type Domain string

const (
	// DomainBuffet marks local-logic errors (e.g. synthesized unauthorized
	// errors, programmer errors caught at a boundary).
	DomainBuffet Domain = "buffet"
	// DomainOAuth2 marks errors reported by the OAuth2 token endpoint.
	DomainOAuth2 Domain = "oauth2"
	// DomainGCD marks local registration-protocol logic errors.
	DomainGCD Domain = "gcd"
	// DomainGCDServer marks errors returned by Cloud HTTP endpoints.
	DomainGCDServer Domain = "gcd_server"
	// DomainNetwork marks transport-level failures.
	DomainNetwork Domain = "network"
	// DomainPrivet marks local-protocol errors surfaced to Privet clients.
	DomainPrivet Domain = "privet"
)

// Well-known codes referenced directly by the controller and token manager.
const (
	CodeDeadlineExceeded    = "deadline_exceeded"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidGrant        = "invalid_grant"
	CodeInvalidClient       = "invalid_client"
	CodeUnauthorizedClient  = "unauthorized_client"
	CodeAccessDenied        = "access_denied"
	CodeInvalidRequest      = "invalid_request"
	CodeUnsupportedGrant    = "unsupported_grant_type"
	CodeAuthorizationMissing = "authorizationMissing"
	CodeAuthorizationExpired = "authorizationExpired"
)

// Error is the linked error structure used across the agent: a domain, a
// short machine-readable code, a human message, and an optional inner cause.
type Error struct {
	Domain  Domain
	Code    string
	Message string
	Inner   error
}

// New builds a leaf Error with no inner cause.
func New(domain Domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// Wrap builds an Error that chains an existing cause.
func Wrap(domain Domain, code, message string, inner error) *Error {
	return &Error{Domain: domain, Code: code, Message: message, Inner: inner}
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Domain, e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

// Unwrap exposes the inner cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is an *Error with the same domain and code,
// allowing callers to match with errors.Is(err, agenterr.New(Domain, Code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Domain != "" && t.Domain != e.Domain {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}
