/*
Package store owns all mutable state of the emulator.

The store holds an ordered list of records per configured table plus the list
of authentication principals. It is created from a seed snapshot and can be
atomically reset to it at any time. There is no persistence; the emulator
deliberately loses all state on restart.

The store is an explicitly constructed object that is passed to every
component that needs it, there is no package-level singleton.
*/
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/caselight/sandbase/core/schema"
)

// ErrDuplicateEmail is returned by CreatePrincipal when a principal with the
// same email already exists.
var ErrDuplicateEmail = errors.New("a principal with this email already exists")

// Record is one row of a table. Records are open-ended maps; the store does
// not enforce that keys match the table's configured columns.
type Record map[string]any

// Principal is an authentication identity. Principals are created only via
// signup and deleted only by a full reseed.
type Principal struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot is a full copy of the store's state: every table's rows plus the
// principal list. It is the unit of seeding and resetting.
type Snapshot struct {
	Tables     map[string][]Record `json:"tables"`
	Principals []Principal         `json:"principals,omitempty"`
}

// Store is the process-wide mutable state, guarded by a single read-write
// mutex. One store-level mutex is sufficient for the request rates of a
// development-time emulator.
type Store struct {
	mutex      sync.RWMutex
	schemas    *schema.Set
	tables     map[string][]Record
	principals []Principal
	seed       Snapshot
}

// New creates a store for the given schema set and loads the seed snapshot.
// Every configured table exists afterwards, empty if the seed has no rows for
// it. The seed is retained so that Reset can restore it later.
func New(schemas *schema.Set, seed Snapshot) *Store {
	s := &Store{
		schemas: schemas,
		seed:    cloneSnapshot(seed),
	}
	s.Reseed(seed)
	return s
}

// Schemas returns the schema set the store was created with
func (s *Store) Schemas() *schema.Set {
	return s.schemas
}

// Reseed atomically replaces every table's contents and the principal list
// with the given snapshot. Concurrent readers observe either the old or the
// new state in full, never a partially replaced set of tables.
func (s *Store) Reseed(snapshot Snapshot) {
	clone := cloneSnapshot(snapshot)
	tables := make(map[string][]Record)
	for _, name := range s.schemas.Names() {
		tables[name] = []Record{}
	}
	for name, rows := range clone.Tables {
		tables[name] = rows
	}

	s.mutex.Lock()
	s.tables = tables
	s.principals = clone.Principals
	s.mutex.Unlock()
}

// Reset restores the seed snapshot the store was created with
func (s *Store) Reset() {
	s.Reseed(s.seed)
}

// Rows returns a deep copy of the table's rows. The second return value is
// false for tables that are not part of the configuration.
func (s *Store) Rows(table string) ([]Record, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, false
	}
	return cloneRecords(rows), true
}

// Mutate runs fn on the live rows of the table under the store's write lock
// and replaces the table with fn's result. This makes read-modify-write
// sequences like "find candidates, then splice" atomic with respect to
// concurrent requests. Mutate is a no-op for unknown tables.
func (s *Store) Mutate(table string, fn func(rows []Record) []Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return
	}
	s.tables[table] = fn(rows)
}

// AppendRows appends rows to the table under the store's write lock
func (s *Store) AppendRows(table string, rows ...Record) {
	s.Mutate(table, func(existing []Record) []Record {
		return append(existing, rows...)
	})
}

// CreatePrincipal adds a new principal. The uniqueness check and the append
// happen under one critical section so that two concurrent signups with the
// same email cannot both succeed.
func (s *Store) CreatePrincipal(principal Principal) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.principals {
		if existing.Email == principal.Email {
			return ErrDuplicateEmail
		}
	}
	s.principals = append(s.principals, principal)
	return nil
}

// PrincipalByEmail looks up a principal by email
func (s *Store) PrincipalByEmail(email string) (Principal, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, principal := range s.principals {
		if principal.Email == email {
			return principal, true
		}
	}
	return Principal{}, false
}

// PrincipalByID looks up a principal by its stable identifier
func (s *Store) PrincipalByID(id string) (Principal, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, principal := range s.principals {
		if principal.ID == id {
			return principal, true
		}
	}
	return Principal{}, false
}

// Principals returns a copy of the principal list
func (s *Store) Principals() []Principal {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	principals := make([]Principal, len(s.principals))
	copy(principals, s.principals)
	return principals
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	clone := Snapshot{
		Tables:     make(map[string][]Record, len(snapshot.Tables)),
		Principals: make([]Principal, len(snapshot.Principals)),
	}
	for name, rows := range snapshot.Tables {
		clone.Tables[name] = cloneRecords(rows)
	}
	copy(clone.Principals, snapshot.Principals)
	return clone
}

func cloneRecords(rows []Record) []Record {
	clone := make([]Record, len(rows))
	for i, row := range rows {
		clone[i] = CloneRecord(row)
	}
	return clone
}

// CloneRecord returns a deep copy of a record
func CloneRecord(row Record) Record {
	clone := make(Record, len(row))
	for key, value := range row {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(v))
		for key, nested := range v {
			clone[key] = cloneValue(nested)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for i, nested := range v {
			clone[i] = cloneValue(nested)
		}
		return clone
	default:
		return v
	}
}
