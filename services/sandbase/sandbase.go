package main

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/caselight/sandbase/core/auth"
	"github.com/caselight/sandbase/core/backend"
	"github.com/caselight/sandbase/core/logger"
	"github.com/caselight/sandbase/core/rls"
	"github.com/caselight/sandbase/core/store"
)

var configurationJSON string = `
{
	"tables": [
		{
			"name": "users",
			"description": "user records with role and plan; every user sees only their own record",
			"columns": ["id", "email", "role", "plan", "reports_used", "created_at", "updated_at"],
			"owner_column": "id"
		},
		{
			"name": "investigations",
			"description": "investigation cases, scoped to their owner",
			"columns": ["id", "user_id", "title", "status", "severity", "summary", "created_at", "updated_at"],
			"owner_column": "user_id"
		},
		{
			"name": "reports",
			"description": "exported reports, scoped to their owner",
			"columns": ["id", "user_id", "investigation_id", "title", "format", "created_at", "updated_at"],
			"owner_column": "user_id"
		},
		{
			"name": "settings",
			"description": "instance-wide settings, readable by any authenticated user",
			"columns": ["id", "key", "value", "updated_at"]
		},
		{
			"name": "audit_events",
			"description": "audit trail, admins only",
			"columns": ["id", "actor", "action", "detail", "created_at"],
			"admin_only": true
		}
	]
}
`

// Service holds the configuration for this service
//
// The defaults give a working local instance; override JWT_SECRET and
// SERVICE_KEY when the emulator is shared between developers.
type Service struct {
	Port       string `env:"PORT,default=54321" description:"the port the emulator listens on"`
	JWTSecret  string `env:"JWT_SECRET,default=super-secret-jwt-token-with-at-least-32-characters" description:"symmetric secret for session tokens"`
	ServiceKey string `env:"SERVICE_KEY,default=sandbase-service-role-key" description:"reserved credential with full data access"`
	DemoLogin  string `env:"DEMO_PASSWORD,default=sandbase" description:"password of the seeded demo accounts"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		Config:      configurationJSON,
		Seed:        buildSeed(service.DemoLogin),
		Router:      router,
		JWTSecret:   service.JWTSecret,
		ServiceKeys: []string{service.ServiceKey, "service_role"},
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "apikey", "Content-Type", "Prefer"}),
	)

	rlog.Infoln("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, cors(router))
}

// buildSeed constructs the seed snapshot with two demo accounts, one admin
// and one regular user, plus a handful of rows to explore the query and
// policy behavior against.
func buildSeed(demoPassword string) store.Snapshot {
	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339)
	earlier := now.Add(-24 * time.Hour).Format(time.RFC3339)

	const adminID = "8b9c1c2e-0f0a-4d4b-9a58-6f6f3f1c0001"
	const demoID = "8b9c1c2e-0f0a-4d4b-9a58-6f6f3f1c0002"

	return store.Snapshot{
		Principals: []store.Principal{
			{ID: adminID, Email: "admin@sandbase.local", PasswordHash: string(hash), CreatedAt: now},
			{ID: demoID, Email: "demo@sandbase.local", PasswordHash: string(hash), CreatedAt: now},
		},
		Tables: map[string][]store.Record{
			"users": {
				{"id": adminID, "email": "admin@sandbase.local", "role": rls.AdminRole, "plan": "pro",
					"reports_used": float64(0), "created_at": timestamp, "updated_at": timestamp},
				{"id": demoID, "email": "demo@sandbase.local", "role": auth.DefaultRole, "plan": auth.DefaultPlan,
					"reports_used": float64(2), "created_at": timestamp, "updated_at": timestamp},
			},
			"investigations": {
				{"id": "6d0a7e31-1b9e-4f57-8a35-0d2f7a9e0001", "user_id": demoID,
					"title": "Suspicious login activity", "status": "open", "severity": "high",
					"summary": "Multiple failed logins from unusual locations.",
					"created_at": earlier, "updated_at": earlier},
				{"id": "6d0a7e31-1b9e-4f57-8a35-0d2f7a9e0002", "user_id": demoID,
					"title": "Phishing campaign", "status": "closed", "severity": "medium",
					"summary": "Reported emails traced to a single sender.",
					"created_at": timestamp, "updated_at": timestamp},
				{"id": "6d0a7e31-1b9e-4f57-8a35-0d2f7a9e0003", "user_id": adminID,
					"title": "Data exfiltration review", "status": "open", "severity": "critical",
					"summary": "Quarterly review of outbound transfers.",
					"created_at": timestamp, "updated_at": timestamp},
			},
			"reports": {
				{"id": "a4f2b7c9-3e61-4c0d-b1aa-5c8e9d2f0001", "user_id": demoID,
					"investigation_id": "6d0a7e31-1b9e-4f57-8a35-0d2f7a9e0002",
					"title": "Phishing campaign - final report", "format": "pdf",
					"created_at": timestamp, "updated_at": timestamp},
			},
			"settings": {
				{"id": "f0e1d2c3-0000-4000-8000-000000000001", "key": "instance_name",
					"value": "sandbase local", "updated_at": timestamp},
				{"id": "f0e1d2c3-0000-4000-8000-000000000002", "key": "max_upload_mb",
					"value": "25", "updated_at": timestamp},
			},
			"audit_events": {
				{"id": "c1b2a3d4-0000-4000-8000-000000000001", "actor": "system",
					"action": "seed", "detail": "initial snapshot loaded", "created_at": timestamp},
			},
		},
	}
}
