/*
Package rls evaluates row-level security policy.

Given a resolved identity and a table schema, the evaluator decides which
rows are visible for reads, which rows a write may touch, and how inserted
rows are tagged with ownership. The admin check is a live lookup of the
subject's row in the user-records table, not a claim embedded in the token.
*/
package rls

import (
	"fmt"

	"github.com/caselight/sandbase/core"
	"github.com/caselight/sandbase/core/schema"
	"github.com/caselight/sandbase/core/store"
)

// AdminRole is the role marker in the user-records table that grants
// table-wide visibility.
const AdminRole = "admin"

// Evaluator enforces per-table visibility and ownership rules
type Evaluator struct {
	store     *store.Store
	userTable string
}

// New creates an evaluator. userTable names the table holding the user
// records with the role field.
func New(s *store.Store, userTable string) *Evaluator {
	return &Evaluator{store: s, userTable: userTable}
}

// FilterForRead returns the rows the identity may read.
//
// Anonymous callers read nothing, the service role reads everything.
// Admin-only tables are visible to admin users only. Tables without an owner
// column are readable by any authenticated user; otherwise only rows whose
// owner column equals the caller's subject are visible, with admin users
// bypassing the ownership scoping.
func (e *Evaluator) FilterForRead(rows []store.Record, table schema.TableSchema, identity core.Identity) []store.Record {
	if identity.IsServiceRole() {
		return rows
	}
	if identity.IsAnonymous() {
		return []store.Record{}
	}
	isAdmin := e.IsAdmin(identity)
	if table.AdminOnly && !isAdmin {
		return []store.Record{}
	}
	if table.OwnerColumn == "" || isAdmin {
		return rows
	}
	return ownedBy(rows, table.OwnerColumn, identity.Subject)
}

// ScopeForWrite returns the rows an update or delete issued by the identity
// may touch. The rules match FilterForRead except that there is no
// admin-only short-circuit beyond the admin and service bypass.
func (e *Evaluator) ScopeForWrite(rows []store.Record, table schema.TableSchema, identity core.Identity) []store.Record {
	allowed := e.WriteScope(table, identity)
	scoped := []store.Record{}
	for _, row := range rows {
		if allowed(row) {
			scoped = append(scoped, row)
		}
	}
	return scoped
}

// WriteScope returns a predicate deciding per row whether the identity may
// write it. The admin lookup happens once, up front; the returned predicate
// does not touch the store and is therefore safe to call while holding the
// store's write lock.
func (e *Evaluator) WriteScope(table schema.TableSchema, identity core.Identity) func(store.Record) bool {
	if identity.IsServiceRole() {
		return func(store.Record) bool { return true }
	}
	if identity.IsAnonymous() {
		return func(store.Record) bool { return false }
	}
	if table.OwnerColumn == "" || e.IsAdmin(identity) {
		return func(store.Record) bool { return true }
	}
	ownerColumn := table.OwnerColumn
	subject := identity.Subject
	return func(row store.Record) bool {
		return cellString(row[ownerColumn]) == subject
	}
}

// TagOwnerOnInsert stamps the identity's subject into the record's owner
// column. It is a no-op if the table has no owner column, if the owner
// column is the primary key, if the identity is the service role, or if the
// record already specifies an owner.
func (e *Evaluator) TagOwnerOnInsert(record store.Record, table schema.TableSchema, identity core.Identity) {
	if table.OwnerColumn == "" || table.OwnerColumn == table.PrimaryKey() {
		return
	}
	if identity.IsServiceRole() {
		return
	}
	if _, ok := record[table.OwnerColumn]; ok {
		return
	}
	record[table.OwnerColumn] = identity.Subject
}

// IsAdmin returns true if the identity's subject has the admin role in the
// user-records table. This is a live lookup so that role changes take effect
// without re-issuing tokens.
func (e *Evaluator) IsAdmin(identity core.Identity) bool {
	if identity.Kind != core.IdentityUser {
		return false
	}
	rows, ok := e.store.Rows(e.userTable)
	if !ok {
		return false
	}
	for _, row := range rows {
		if cellString(row["id"]) == identity.Subject {
			return cellString(row["role"]) == AdminRole
		}
	}
	return false
}

func ownedBy(rows []store.Record, ownerColumn, subject string) []store.Record {
	owned := []store.Record{}
	for _, row := range rows {
		if cellString(row[ownerColumn]) == subject {
			owned = append(owned, row)
		}
	}
	return owned
}

func cellString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}
