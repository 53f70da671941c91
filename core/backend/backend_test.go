package backend

import (
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/mux"

	"github.com/caselight/sandbase/core/auth"
	"github.com/caselight/sandbase/core/client"
	"github.com/caselight/sandbase/core/store"
)

var configurationJSON string = `{
	"tables": [
		{
			"name": "users",
			"columns": ["id", "email", "role", "plan", "reports_used", "created_at", "updated_at"],
			"owner_column": "id"
		},
		{
			"name": "investigations",
			"columns": ["id", "user_id", "title", "status", "severity", "created_at", "updated_at"],
			"owner_column": "user_id"
		},
		{
			"name": "reports",
			"columns": ["id", "user_id", "title", "format", "created_at", "updated_at"],
			"owner_column": "user_id"
		},
		{
			"name": "settings",
			"columns": ["id", "key", "value"]
		},
		{
			"name": "audit_events",
			"columns": ["id", "actor", "action", "created_at"],
			"admin_only": true
		}
	]
}`

const testJWTSecret = "unit-test-secret-with-enough-characters!"
const testServiceKey = "test-service-key"

// TestService holds the backend under test and a client talking to it
// through the router, without a listening socket.
type TestService struct {
	backend *Backend
	client  client.Client
}

var testService TestService

func TestMain(m *testing.M) {
	router := mux.NewRouter()
	testService.backend = New(&Builder{
		Config: configurationJSON,
		Seed: store.Snapshot{
			Tables: map[string][]store.Record{
				"settings": {
					{"id": "s1", "key": "instance_name", "value": "unit test"},
					{"id": "s2", "key": "max_upload_mb", "value": "25"},
				},
				"audit_events": {
					{"id": "e1", "actor": "system", "action": "seed"},
				},
			},
		},
		Router:      router,
		JWTSecret:   testJWTSecret,
		ServiceKeys: []string{testServiceKey},
	})
	testService.client = client.NewWithRouter(router)

	code := m.Run()
	os.Exit(code)
}

// signupTestUser registers a fresh user with an email derived from the test
// name, so tests stay independent of each other.
func signupTestUser(t *testing.T, suffix string) auth.Tokens {
	t.Helper()
	email := strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-")) + suffix + "@test.local"
	tokens := auth.Tokens{}
	_, err := testService.client.RawPost("/auth/v1/signup",
		map[string]string{"email": email, "password": "password-" + suffix}, &tokens)
	require.NoError(t, err)
	return tokens
}

func TestSignup(t *testing.T) {
	tokens := signupTestUser(t, "")
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "bearer", tokens.TokenType)
	assert.Equal(t, 3600, tokens.ExpiresIn)
	assert.Equal(t, "user", tokens.User.Role)

	// signup created the default user record
	var records []store.Record
	_, err := testService.client.WithAPIKey(testServiceKey).
		RawGet("/rest/v1/users?id=eq."+tokens.User.ID, &records)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tokens.User.Email, records[0]["email"])
	assert.Equal(t, "user", records[0]["role"])
	assert.Equal(t, "free", records[0]["plan"])
	assert.Equal(t, float64(0), records[0]["reports_used"])
	assert.NotEmpty(t, records[0]["created_at"])
}

func TestSignupDuplicateEmail(t *testing.T) {
	signupTestUser(t, "")

	email := strings.ToLower(t.Name()) + "@test.local"
	status, err := testService.client.RawPost("/auth/v1/signup",
		map[string]string{"email": email, "password": "other"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSignupMissingFields(t *testing.T) {
	status, err := testService.client.RawPost("/auth/v1/signup",
		map[string]string{"email": "incomplete@test.local"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPasswordGrant(t *testing.T) {
	tokens := signupTestUser(t, "")

	login := auth.Tokens{}
	_, err := testService.client.RawPost("/auth/v1/token?grant_type=password",
		map[string]string{"email": tokens.User.Email, "password": "password-"}, &login)
	require.NoError(t, err)
	assert.Equal(t, tokens.User.ID, login.User.ID)
	assert.NotEqual(t, tokens.RefreshToken, login.RefreshToken)

	status, err := testService.client.RawPost("/auth/v1/token?grant_type=refresh_token",
		map[string]string{"email": tokens.User.Email, "password": "password-"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = testService.client.RawPost("/auth/v1/token?grant_type=password",
		map[string]string{"email": tokens.User.Email, "password": "wrong"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCurrentUser(t *testing.T) {
	tokens := signupTestUser(t, "")

	view := auth.UserView{}
	_, err := testService.client.WithToken(tokens.AccessToken).RawGet("/auth/v1/user", &view)
	require.NoError(t, err)
	assert.Equal(t, tokens.User.ID, view.ID)
	assert.Equal(t, tokens.User.Email, view.Email)

	status, err := testService.client.WithToken("garbage").RawGet("/auth/v1/user", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, err = testService.client.RawGet("/auth/v1/user", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUnknownTable(t *testing.T) {
	status, err := testService.client.WithAPIKey(testServiceKey).RawGet("/rest/v1/nonexistent", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCredentialRequirements(t *testing.T) {
	// no credential at all is rejected
	status, err := testService.client.RawGet("/rest/v1/settings", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// a presented but unverifiable credential degrades to anonymous, which
	// reads an empty result instead of an error
	var records []store.Record
	_, err = testService.client.WithToken("expired-or-garbage").RawGet("/rest/v1/settings", &records)
	require.NoError(t, err)
	assert.Empty(t, records)

	// anonymous identities cannot write
	status, err = testService.client.WithToken("expired-or-garbage").
		RawPost("/rest/v1/investigations", store.Record{"title": "nope"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, err = testService.client.WithToken("expired-or-garbage").
		RawPatch("/rest/v1/investigations", store.Record{"status": "closed"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, err = testService.client.WithToken("expired-or-garbage").RawDelete("/rest/v1/investigations", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestInsertDefaults(t *testing.T) {
	tokens := signupTestUser(t, "")
	userClient := testService.client.WithToken(tokens.AccessToken)

	created := store.Record{}
	_, err := userClient.RawPostWithHeader("/rest/v1/investigations",
		map[string]string{"Prefer": "return=representation"},
		store.Record{"title": "defaults", "status": "open"}, &created)
	require.NoError(t, err)
	assert.NotEmpty(t, created["id"])
	assert.NotEmpty(t, created["created_at"])
	assert.NotEmpty(t, created["updated_at"])
	// the owner column is stamped with the caller's identity
	assert.Equal(t, tokens.User.ID, created["user_id"])

	// provided values win over the defaults
	explicit := store.Record{}
	_, err = userClient.RawPostWithHeader("/rest/v1/investigations",
		map[string]string{"Prefer": "return=representation"},
		store.Record{"id": "fixed-id-" + tokens.User.ID, "title": "explicit", "created_at": "2020-01-01T00:00:00Z"},
		&explicit)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id-"+tokens.User.ID, explicit["id"])
	assert.Equal(t, "2020-01-01T00:00:00Z", explicit["created_at"])
}

func TestInsertWithoutPrefer(t *testing.T) {
	tokens := signupTestUser(t, "")

	body := store.Record{}
	status, err := testService.client.WithToken(tokens.AccessToken).
		RawPost("/rest/v1/investigations", store.Record{"title": "silent"}, &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	// without Prefer: return=representation the body is an empty object
	assert.Empty(t, body)
}

func TestInsertArray(t *testing.T) {
	tokens := signupTestUser(t, "")

	var created []store.Record
	_, err := testService.client.WithToken(tokens.AccessToken).
		RawPostWithHeader("/rest/v1/investigations",
			map[string]string{"Prefer": "return=representation"},
			[]store.Record{{"title": "one"}, {"title": "two"}}, &created)
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, record := range created {
		assert.Equal(t, tokens.User.ID, record["user_id"])
	}
}

func TestOwnerScopedListing(t *testing.T) {
	alice := signupTestUser(t, "-alice")
	bob := signupTestUser(t, "-bob")
	aliceClient := testService.client.WithToken(alice.AccessToken)
	bobClient := testService.client.WithToken(bob.AccessToken)

	_, err := aliceClient.RawPost("/rest/v1/investigations", []store.Record{
		{"title": "a-oldest", "status": "open", "created_at": "2026-01-01T00:00:00Z"},
		{"title": "a-newer", "status": "open", "created_at": "2026-02-01T00:00:00Z"},
		{"title": "a-newest", "status": "open", "created_at": "2026-03-01T00:00:00Z"},
		{"title": "a-done", "status": "closed", "created_at": "2026-04-01T00:00:00Z"},
	}, nil)
	require.NoError(t, err)
	_, err = bobClient.RawPost("/rest/v1/investigations",
		store.Record{"title": "b-open", "status": "open"}, nil)
	require.NoError(t, err)

	// policy scoping applies before query directives, so the limit counts
	// visible rows only
	var records []store.Record
	_, err = aliceClient.RawGet("/rest/v1/investigations?status=eq.open&order=created_at.desc&limit=2", &records)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a-newest", records[0]["title"])
	assert.Equal(t, "a-newer", records[1]["title"])
	for _, record := range records {
		assert.Equal(t, alice.User.ID, record["user_id"])
	}

	// bob only ever sees his own row
	_, err = bobClient.RawGet("/rest/v1/investigations?status=eq.open", &records)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b-open", records[0]["title"])
}

func TestSettingsReadableByAnyUser(t *testing.T) {
	tokens := signupTestUser(t, "")

	var records []store.Record
	_, err := testService.client.WithToken(tokens.AccessToken).
		RawGet("/rest/v1/settings?order=key.asc", &records)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "instance_name", records[0]["key"])
}

func TestServiceRoleBypass(t *testing.T) {
	tokens := signupTestUser(t, "")
	serviceClient := testService.client.WithAPIKey(testServiceKey)

	// the admin-only audit trail is invisible to regular users
	var records []store.Record
	_, err := testService.client.WithToken(tokens.AccessToken).RawGet("/rest/v1/audit_events", &records)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = serviceClient.RawGet("/rest/v1/audit_events", &records)
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	// the service role sees every user record, not just its own
	_, err = serviceClient.RawGet("/rest/v1/users", &records)
	require.NoError(t, err)
	assert.Greater(t, len(records), 1)

	// service-role inserts are not owner-tagged
	created := store.Record{}
	_, err = serviceClient.RawPostWithHeader("/rest/v1/investigations",
		map[string]string{"Prefer": "return=representation"},
		store.Record{"title": "unowned"}, &created)
	require.NoError(t, err)
	_, tagged := created["user_id"]
	assert.False(t, tagged)
}

func TestAdminPromotion(t *testing.T) {
	admin := signupTestUser(t, "-admin")
	other := signupTestUser(t, "-other")
	adminClient := testService.client.WithToken(admin.AccessToken)

	_, err := testService.client.WithToken(other.AccessToken).
		RawPost("/rest/v1/investigations", store.Record{"title": "someone-elses-case"}, nil)
	require.NoError(t, err)

	// before the promotion the admin candidate is scoped like anyone else
	var records []store.Record
	_, err = adminClient.RawGet("/rest/v1/investigations?title=eq.someone-elses-case", &records)
	require.NoError(t, err)
	assert.Empty(t, records)

	// promotion is a plain update of the user record, no new token needed
	_, err = testService.client.WithAPIKey(testServiceKey).
		RawPatch("/rest/v1/users?id=eq."+admin.User.ID, store.Record{"role": "admin"}, nil)
	require.NoError(t, err)

	_, err = adminClient.RawGet("/rest/v1/investigations?title=eq.someone-elses-case", &records)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = adminClient.RawGet("/rest/v1/audit_events", &records)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestCrossOwnerWrites(t *testing.T) {
	alice := signupTestUser(t, "-alice")
	bob := signupTestUser(t, "-bob")
	aliceClient := testService.client.WithToken(alice.AccessToken)
	bobClient := testService.client.WithToken(bob.AccessToken)

	created := store.Record{}
	_, err := aliceClient.RawPostWithHeader("/rest/v1/investigations",
		map[string]string{"Prefer": "return=representation"},
		store.Record{"title": "alice only", "status": "open", "updated_at": "2020-01-01T00:00:00Z"}, &created)
	require.NoError(t, err)
	path := "/rest/v1/investigations?id=eq." + created["id"].(string)

	// bob's update and delete match zero rows instead of failing loudly
	var touched []store.Record
	status, err := bobClient.RawPatchWithHeader(path,
		map[string]string{"Prefer": "return=representation"},
		store.Record{"status": "closed"}, &touched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, touched)

	status, err = bobClient.RawDeleteWithHeader(path,
		map[string]string{"Prefer": "return=representation"}, &touched)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, touched)

	// alice's update goes through and refreshes updated_at
	_, err = aliceClient.RawPatchWithHeader(path,
		map[string]string{"Prefer": "return=representation"},
		store.Record{"status": "closed"}, &touched)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, "closed", touched[0]["status"])
	assert.NotEqual(t, "2020-01-01T00:00:00Z", touched[0]["updated_at"])

	// without Prefer the write reports no content
	status, err = aliceClient.RawPatch(path, store.Record{"severity": "low"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = aliceClient.RawDelete(path, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	var remaining []store.Record
	_, err = aliceClient.RawGet(path, &remaining)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestWellKnownKeys(t *testing.T) {
	var keySet map[string][]any
	_, err := testService.client.RawGet("/.well-known/jwks.json", &keySet)
	require.NoError(t, err)
	keys, ok := keySet["keys"]
	require.True(t, ok)
	assert.Empty(t, keys)
}

// TestReset runs last in this file; it wipes everything the other tests
// created and restores the seed snapshot.
func TestReset(t *testing.T) {
	tokens := signupTestUser(t, "")
	serviceClient := testService.client.WithAPIKey(testServiceKey)

	_, err := serviceClient.RawPost("/rest/v1/settings", store.Record{"key": "extra", "value": "x"}, nil)
	require.NoError(t, err)

	result := map[string]string{}
	_, err = testService.client.RawPost("/reset", nil, &result)
	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])

	var records []store.Record
	_, err = serviceClient.RawGet("/rest/v1/settings", &records)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// principals are part of the snapshot: the login and even the still
	// verifiable token are gone
	status, err := testService.client.RawPost("/auth/v1/token?grant_type=password",
		map[string]string{"email": tokens.User.Email, "password": "password-"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = testService.client.WithToken(tokens.AccessToken).RawGet("/auth/v1/user", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}
