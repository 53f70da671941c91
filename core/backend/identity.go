// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/caselight/sandbase/core/auth"
	"github.com/caselight/sandbase/core/logger"
)

// handleIdentityRoutes adds the identity endpoint family: signup, password
// login, the "who am I" lookup and the well-known key set.
func (b *Backend) handleIdentityRoutes(router *mux.Router) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("handle identity route: /auth/v1/signup POST")
	nillog.Debugln("handle identity route: /auth/v1/token POST")
	nillog.Debugln("handle identity route: /auth/v1/user GET")
	nillog.Debugln("handle identity route: /.well-known/jwks.json GET")

	router.HandleFunc("/auth/v1/signup", b.signup).Methods(http.MethodPost)
	router.HandleFunc("/auth/v1/token", b.passwordGrant).Methods(http.MethodPost)
	router.HandleFunc("/auth/v1/user", b.currentUser).Methods(http.MethodGet)
	router.HandleFunc("/.well-known/jwks.json", b.wellKnownKeys).Methods(http.MethodGet)
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (b *Backend) signup(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	var credentials credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if credentials.Email == "" || credentials.Password == "" {
		errorJSON(w, http.StatusBadRequest, "email and password are required")
		return
	}

	tokens, err := b.auth.Signup(credentials.Email, credentials.Password)
	if errors.Is(err, auth.ErrDuplicateEmail) {
		errorJSON(w, http.StatusBadRequest, "a user with this email address has already been registered")
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("signup failed")
		errorJSON(w, http.StatusInternalServerError, "signup failed")
		return
	}
	rlog.Infoln("new signup:", credentials.Email)
	writeJSON(w, http.StatusOK, tokens)
}

func (b *Backend) passwordGrant(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	if grantType := r.URL.Query().Get("grant_type"); grantType != "password" {
		errorJSON(w, http.StatusBadRequest, "unsupported grant type "+grantType)
		return
	}

	var credentials credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tokens, err := b.auth.Login(credentials.Email, credentials.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		errorJSON(w, http.StatusBadRequest, "invalid login credentials")
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("login failed")
		errorJSON(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (b *Backend) currentUser(w http.ResponseWriter, r *http.Request) {
	view, err := b.auth.CurrentUser(bearerToken(r))
	if errors.Is(err, auth.ErrPrincipalNotFound) {
		errorJSON(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		errorJSON(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// wellKnownKeys always returns an empty key set. Session tokens are signed
// with a symmetric secret, there are no public keys to publish.
func (b *Backend) wellKnownKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]any{"keys": {}})
}
