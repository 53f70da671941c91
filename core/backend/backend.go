// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/caselight/sandbase/core"
	"github.com/caselight/sandbase/core/auth"
	"github.com/caselight/sandbase/core/logger"
	"github.com/caselight/sandbase/core/rls"
	"github.com/caselight/sandbase/core/schema"
	"github.com/caselight/sandbase/core/store"
)

// DefaultUserTable is the table holding the user records unless the builder
// says otherwise.
const DefaultUserTable = "users"

// Backend is the emulated backend-as-a-service: the REST data plane plus the
// identity endpoints, bound to a mux router.
type Backend struct {
	schemas *schema.Set
	store   *store.Store
	router  *mux.Router
	auth    *auth.Service
	policy  *rls.Evaluator
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all tables. This is mandatory.
	Config string
	// Seed is the initial snapshot loaded into the store and restored by the
	// reset endpoint. This is optional.
	Seed store.Snapshot
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JWTSecret is the symmetric secret for session tokens. This is mandatory.
	JWTSecret string
	// ServiceKeys are the reserved credentials that bypass all policy
	// checks. This is optional.
	ServiceKeys []string
	// UserTable overrides the name of the user-records table. This is
	// optional and defaults to "users".
	UserTable string
}

// New realizes the actual backend. It parses and validates the table
// configuration, seeds the store, and adds all routes to the router. Like
// every configuration error, an invalid Config is a panic.
func New(bb *Builder) *Backend {
	schemas, err := schema.Parse(bb.Config)
	if err != nil {
		panic(err)
	}

	if bb.Router == nil {
		panic("Router is missing")
	}

	userTable := bb.UserTable
	if userTable == "" {
		userTable = DefaultUserTable
	}

	s := store.New(schemas, bb.Seed)
	b := &Backend{
		schemas: schemas,
		store:   s,
		router:  bb.Router,
		policy:  rls.New(s, userTable),
		auth: auth.New(&auth.Builder{
			Store:       s,
			UserTable:   userTable,
			JWTSecret:   bb.JWTSecret,
			ServiceKeys: bb.ServiceKeys,
		}),
	}

	logger.AddRequestID(b.router)
	b.router.Use(b.identityMiddleware)
	b.handleDataRoutes(b.router)
	b.handleIdentityRoutes(b.router)
	return b
}

// Store returns the backend's store
func (b *Backend) Store() *store.Store {
	return b.store
}

// Auth returns the backend's authentication service
func (b *Backend) Auth() *auth.Service {
	return b.auth
}

// identityMiddleware resolves the request's bearer credential into an
// identity exactly once per request. A request without any credential keeps
// the anonymous identity in the context.
func (b *Backend) identityMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.ServeHTTP(w, r)
			return
		}
		identity := b.auth.ResolveToken(token)
		ctx := core.ContextWithIdentity(r.Context(), identity)
		if identity.Kind == core.IdentityUser {
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity.Subject)
		}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header or the
// apikey header. The client library sends both; Authorization wins.
func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	return r.Header.Get("apikey")
}

// hasCredential returns true if the request presented any credential at all,
// verifiable or not.
func hasCredential(r *http.Request) bool {
	return bearerToken(r) != ""
}
