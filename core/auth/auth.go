/*
Package auth implements the password and token based authentication service.

Principals sign up with email and password, passwords are stored as bcrypt
hashes, and sessions are issued as HS256-signed JWTs with a fixed lifetime.
Token resolution deliberately degrades to the anonymous identity on any
verification failure; only the dedicated "who am I" lookup distinguishes an
invalid token from a deleted principal.
*/
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/caselight/sandbase/core"
	"github.com/caselight/sandbase/core/store"
)

// TokenLifetime is the fixed lifetime of an issued session token
const TokenLifetime = time.Hour

// DefaultRole is the role given to freshly signed-up users
const DefaultRole = "user"

// DefaultPlan is the plan given to freshly signed-up users
const DefaultPlan = "free"

// the error taxonomy of the authentication service
var (
	// ErrDuplicateEmail flags a signup with an email that is already taken
	ErrDuplicateEmail = store.ErrDuplicateEmail
	// ErrInvalidCredentials flags a login with unknown email or wrong password
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrInvalidToken flags a missing or unverifiable bearer token
	ErrInvalidToken = errors.New("invalid or missing token")
	// ErrPrincipalNotFound flags a verified token whose principal no longer exists
	ErrPrincipalNotFound = errors.New("principal not found")
)

// Claims are the structured fields embedded in a session token
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserView is the public representation of a principal, as returned by the
// identity endpoints.
type UserView struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Tokens is the token pair issued at signup and login. The refresh token is
// an opaque random value that no endpoint of the emulator validates; it only
// exists to satisfy the client library's response shape.
type Tokens struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	User         UserView `json:"user"`
}

// Builder holds the configuration for the authentication service
type Builder struct {
	// Store is the store holding principals and user records. This is mandatory.
	Store *store.Store
	// UserTable is the table holding the user records. This is mandatory.
	UserTable string
	// JWTSecret is the symmetric signing secret. This is mandatory.
	JWTSecret string
	// ServiceKeys are the reserved credentials that resolve to the service
	// role. This is optional.
	ServiceKeys []string
	// Now overrides the clock, for tests. This is optional.
	Now func() time.Time
}

// Service registers principals, verifies credentials, and issues and
// resolves session tokens.
type Service struct {
	store       *store.Store
	userTable   string
	secret      []byte
	serviceKeys map[string]bool
	now         func() time.Time
}

// New creates the authentication service from the builder
func New(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.UserTable == "" {
		panic("UserTable is missing")
	}
	if b.JWTSecret == "" {
		panic("JWTSecret is missing")
	}
	serviceKeys := make(map[string]bool)
	for _, key := range b.ServiceKeys {
		serviceKeys[key] = true
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       b.Store,
		userTable:   b.UserTable,
		secret:      []byte(b.JWTSecret),
		serviceKeys: serviceKeys,
		now:         now,
	}
}

// Signup registers a new principal and returns a freshly issued token pair.
// A default user record with the standard role and plan and zero usage
// counters is appended to the user-records table.
func (s *Service) Signup(email, password string) (Tokens, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Tokens{}, err
	}

	principal := store.Principal{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreatePrincipal(principal); err != nil {
		return Tokens{}, err
	}

	timestamp := principal.CreatedAt.Format(time.RFC3339)
	s.store.AppendRows(s.userTable, store.Record{
		"id":           principal.ID,
		"email":        principal.Email,
		"role":         DefaultRole,
		"plan":         DefaultPlan,
		"reports_used": float64(0),
		"created_at":   timestamp,
		"updated_at":   timestamp,
	})

	return s.issue(principal)
}

// Login verifies the credentials and returns a freshly issued token pair,
// never a previously issued one.
func (s *Service) Login(email, password string) (Tokens, error) {
	principal, ok := s.store.PrincipalByEmail(email)
	if !ok {
		return Tokens{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, ErrInvalidCredentials
	}
	return s.issue(principal)
}

// ResolveToken derives the request identity from a bearer credential.
//
// A reserved service key resolves to the service role. Any verification
// failure, expired tokens included, silently resolves to the anonymous
// identity; callers decide whether that is an error for their endpoint.
func (s *Service) ResolveToken(token string) core.Identity {
	if s.serviceKeys[token] {
		return core.ServiceRole()
	}
	claims, err := s.verify(token)
	if err != nil {
		return core.Anonymous()
	}
	principal, ok := s.store.PrincipalByID(claims.Subject)
	if !ok {
		return core.Anonymous()
	}
	return core.AuthenticatedUser(principal.ID, s.userRecordRole(principal.ID))
}

// CurrentUser resolves a token to the principal's public view. Unlike
// ResolveToken it distinguishes an unverifiable token (ErrInvalidToken) from
// a verified token whose principal has been deleted (ErrPrincipalNotFound).
func (s *Service) CurrentUser(token string) (UserView, error) {
	if token == "" {
		return UserView{}, ErrInvalidToken
	}
	claims, err := s.verify(token)
	if err != nil {
		return UserView{}, ErrInvalidToken
	}
	principal, ok := s.store.PrincipalByID(claims.Subject)
	if !ok {
		return UserView{}, ErrPrincipalNotFound
	}
	return s.userView(principal), nil
}

func (s *Service) verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) issue(principal store.Principal) (Tokens, error) {
	issuedAt := s.now()
	claims := Claims{
		Email: principal.Email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(TokenLifetime)),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Tokens{}, err
	}

	refresh := make([]byte, 32)
	if _, err := rand.Read(refresh); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int(TokenLifetime.Seconds()),
		RefreshToken: base64.RawURLEncoding.EncodeToString(refresh),
		User:         s.userView(principal),
	}, nil
}

func (s *Service) userView(principal store.Principal) UserView {
	return UserView{
		ID:           principal.ID,
		Email:        principal.Email,
		Role:         s.userRecordRole(principal.ID),
		UserMetadata: map[string]any{},
		AppMetadata:  map[string]any{},
		CreatedAt:    principal.CreatedAt,
	}
}

// userRecordRole looks up the principal's role in the user-records table,
// defaulting to the standard non-admin role if the record is absent.
func (s *Service) userRecordRole(id string) string {
	rows, ok := s.store.Rows(s.userTable)
	if !ok {
		return DefaultRole
	}
	for _, row := range rows {
		if rowID, ok := row["id"].(string); ok && rowID == id {
			if role, ok := row["role"].(string); ok && role != "" {
				return role
			}
			return DefaultRole
		}
	}
	return DefaultRole
}
