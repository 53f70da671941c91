// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/caselight/sandbase/core"
	"github.com/caselight/sandbase/core/logger"
	"github.com/caselight/sandbase/core/query"
	"github.com/caselight/sandbase/core/store"
)

var errInvalidBody = errors.New("invalid request body")

// handleDataRoutes adds the data endpoint family: the generic table routes
// and the seed reset route.
func (b *Backend) handleDataRoutes(router *mux.Router) {
	nillog := logger.FromContext(nil)
	nillog.Debugln("handle data routes: /rest/v1/{table} GET,POST,PATCH,DELETE")
	nillog.Debugln("handle data route: /reset POST")

	router.HandleFunc("/rest/v1/{table}", b.listCollection).Methods(http.MethodGet)
	router.HandleFunc("/rest/v1/{table}", b.insertIntoCollection).Methods(http.MethodPost)
	router.HandleFunc("/rest/v1/{table}", b.updateCollection).Methods(http.MethodPatch)
	router.HandleFunc("/rest/v1/{table}", b.deleteFromCollection).Methods(http.MethodDelete)
	router.HandleFunc("/reset", b.resetStore).Methods(http.MethodPost)
}

func (b *Backend) listCollection(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	table := mux.Vars(r)["table"]
	tableSchema, ok := b.schemas.Lookup(table)
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown table "+table)
		return
	}
	if !hasCredential(r) {
		errorJSON(w, http.StatusUnauthorized, "no resolvable identity")
		return
	}
	identity := core.IdentityFromContext(r.Context())

	rows, _ := b.store.Rows(table)
	visible := b.policy.FilterForRead(rows, tableSchema, identity)
	directives := query.Parse(r.URL.Query())
	result := directives.Apply(visible)

	rlog.Debugf("list %s: %d of %d rows visible", table, len(result), len(rows))
	writeJSON(w, http.StatusOK, result)
}

func (b *Backend) insertIntoCollection(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	table := mux.Vars(r)["table"]
	tableSchema, ok := b.schemas.Lookup(table)
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown table "+table)
		return
	}
	identity := core.IdentityFromContext(r.Context())
	if identity.IsAnonymous() {
		errorJSON(w, http.StatusUnauthorized, "no resolvable identity")
		return
	}

	records, single, err := decodeRecords(r)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	for _, record := range records {
		if _, ok := record["id"]; !ok {
			record["id"] = uuid.New().String()
		}
		if tableSchema.HasColumn("created_at") {
			if _, ok := record["created_at"]; !ok {
				record["created_at"] = timestamp
			}
		}
		if tableSchema.HasColumn("updated_at") {
			if _, ok := record["updated_at"]; !ok {
				record["updated_at"] = timestamp
			}
		}
		// owner tagging runs after timestamp population
		b.policy.TagOwnerOnInsert(record, tableSchema, identity)
	}
	b.store.AppendRows(table, records...)
	rlog.Debugf("insert %s: %d rows", table, len(records))

	if !preferRepresentation(r) {
		writeJSON(w, http.StatusCreated, store.Record{})
		return
	}
	if single {
		writeJSON(w, http.StatusCreated, records[0])
		return
	}
	writeJSON(w, http.StatusCreated, records)
}

func (b *Backend) updateCollection(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	table := mux.Vars(r)["table"]
	tableSchema, ok := b.schemas.Lookup(table)
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown table "+table)
		return
	}
	identity := core.IdentityFromContext(r.Context())
	if identity.IsAnonymous() {
		errorJSON(w, http.StatusUnauthorized, "no resolvable identity")
		return
	}

	var patch store.Record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	directives := query.Parse(r.URL.Query())
	// the admin lookup must not run under the store's write lock
	allowed := b.policy.WriteScope(tableSchema, identity)
	refreshUpdatedAt := tableSchema.HasColumn("updated_at")
	timestamp := time.Now().UTC().Format(time.RFC3339)

	updated := []store.Record{}
	b.store.Mutate(table, func(rows []store.Record) []store.Record {
		for _, row := range rows {
			if !directives.Match(row) || !allowed(row) {
				continue
			}
			for key, value := range patch {
				row[key] = value
			}
			if refreshUpdatedAt {
				row["updated_at"] = timestamp
			}
			updated = append(updated, store.CloneRecord(row))
		}
		return rows
	})
	rlog.Debugf("update %s: %d rows", table, len(updated))

	if !preferRepresentation(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (b *Backend) deleteFromCollection(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	table := mux.Vars(r)["table"]
	tableSchema, ok := b.schemas.Lookup(table)
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown table "+table)
		return
	}
	identity := core.IdentityFromContext(r.Context())
	if identity.IsAnonymous() {
		errorJSON(w, http.StatusUnauthorized, "no resolvable identity")
		return
	}

	directives := query.Parse(r.URL.Query())
	allowed := b.policy.WriteScope(tableSchema, identity)

	deleted := []store.Record{}
	b.store.Mutate(table, func(rows []store.Record) []store.Record {
		kept := []store.Record{}
		for _, row := range rows {
			if directives.Match(row) && allowed(row) {
				deleted = append(deleted, store.CloneRecord(row))
				continue
			}
			kept = append(kept, row)
		}
		return kept
	})
	rlog.Debugf("delete %s: %d rows", table, len(deleted))

	if !preferRepresentation(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

// resetStore reloads the seed snapshot. The route requires no credentials;
// it exists so that test suites can restore a known state.
func (b *Backend) resetStore(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("reset store to seed snapshot")
	b.store.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeRecords reads the request body as either a single record or an
// array of records. The second return value is true for a single record.
func decodeRecords(r *http.Request) ([]store.Record, bool, error) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, false, err
	}
	switch value := body.(type) {
	case map[string]any:
		return []store.Record{store.Record(value)}, true, nil
	case []any:
		records := make([]store.Record, 0, len(value))
		for _, element := range value {
			record, ok := element.(map[string]any)
			if !ok {
				return nil, false, errInvalidBody
			}
			records = append(records, store.Record(record))
		}
		return records, false, nil
	}
	return nil, false, errInvalidBody
}

func preferRepresentation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Prefer"), "return=representation")
}

func writeJSON(w http.ResponseWriter, status int, object any) {
	jsonData, err := json.Marshal(object)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func errorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
