// Package authz decides whether port-forward requests are permitted.
package authz

// ForwardRequest is one port-forward request presented to a policy. It is
// immutable after creation and consumed once.
type ForwardRequest struct {
	// Host and Port identify the requested forwarding target.
	Host string
	Port int

	// Principal is the authenticated identity attached to the session, empty
	// when authentication has not resolved one.
	Principal string
}

// Policy decides whether a forward request is permitted. Implementations
// must be pure: no side effects, same input same answer.
type Policy interface {
	Authorize(req ForwardRequest) bool
}

// PrincipalPolicy is the default policy: it authorizes exactly when the
// request carries a resolved principal. It gates on the session layer's
// authentication outcome and performs no identity check of its own.
// Deployments substitute a stricter Policy here.
type PrincipalPolicy struct{}

// Authorize reports whether the request carries a principal.
func (PrincipalPolicy) Authorize(req ForwardRequest) bool {
	return req.Principal != ""
}

// DenyAllPolicy rejects every request. Useful as a hard off switch and in
// tests.
type DenyAllPolicy struct{}

// Authorize always returns false.
func (DenyAllPolicy) Authorize(ForwardRequest) bool { return false }
