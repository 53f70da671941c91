package core

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyIdentity contextKey = "_identity_"
)

// IdentityKind discriminates the three ways a request can be authenticated.
type IdentityKind int

// all supported identity kinds
const (
	// IdentityAnonymous is the zero value: no verifiable credential was
	// presented. Token verification failures degrade to this kind.
	IdentityAnonymous IdentityKind = iota
	// IdentityUser is an authenticated principal with a subject and a role.
	IdentityUser
	// IdentityServiceRole is the reserved backend credential. It bypasses
	// all row-level policy checks and is never derived from a verified token.
	IdentityServiceRole
)

/*Identity is the resolved authentication state of a request.

An identity is derived once per request from the bearer credential and added
to the request context by the backend's identity middleware with

  ctx = core.ContextWithIdentity(ctx, identity)

and retrieved with

  identity := core.IdentityFromContext(ctx)

The policy evaluator makes all access decisions by matching on the identity
kind, never on the raw credential.
*/
type Identity struct {
	Kind    IdentityKind `json:"kind"`
	Subject string       `json:"subject,omitempty"`
	Role    string       `json:"role,omitempty"`
}

// Anonymous returns the unauthenticated identity.
func Anonymous() Identity {
	return Identity{Kind: IdentityAnonymous}
}

// ServiceRole returns the privileged service identity.
func ServiceRole() Identity {
	return Identity{Kind: IdentityServiceRole}
}

// AuthenticatedUser returns an identity for a verified principal.
func AuthenticatedUser(subject, role string) Identity {
	return Identity{Kind: IdentityUser, Subject: subject, Role: role}
}

// IsAnonymous returns true if no credential could be resolved.
func (i Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// IsServiceRole returns true for the reserved service credential.
func (i Identity) IsServiceRole() bool {
	return i.Kind == IdentityServiceRole
}

// ContextWithIdentity returns a new context with this identity added to it
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves an identity from the context. If the context
// carries no identity, the anonymous identity is returned.
func IdentityFromContext(ctx context.Context) Identity {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	if ok {
		return identity
	}
	return Anonymous()
}
