// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package schema holds the static table configuration of the emulated backend.

A configuration is a JSON document listing every table with its columns, an
optional owner column for row-level scoping, and an admin-only flag. The
configuration is parsed and validated once at startup; schemas never change
at runtime.
*/
package schema

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// TableSchema describes one table of the emulated store.
//
// OwnerColumn, if set, names the column whose value must equal the caller's
// subject for row-level access. AdminOnly tables are only visible to admin
// users and the service role.
type TableSchema struct {
	Name        string   `json:"name"`
	Columns     []string `json:"columns"`
	OwnerColumn string   `json:"owner_column,omitempty"`
	AdminOnly   bool     `json:"admin_only,omitempty"`
	Description string   `json:"description,omitempty"`
}

// HasColumn returns true if the schema declares the given column.
func (t TableSchema) HasColumn(name string) bool {
	for _, column := range t.Columns {
		if column == name {
			return true
		}
	}
	return false
}

// PrimaryKey returns the name of the primary key column. Every table of the
// emulated platform identifies rows by "id".
func (t TableSchema) PrimaryKey() string {
	return "id"
}

// Configuration is the parsed table configuration
type Configuration struct {
	Tables []TableSchema `json:"tables"`
}

// configurationSchema is the meta-schema the configuration JSON is validated
// against before it is unmarshalled.
const configurationSchema = `{
	"$id": "sandbase/configuration",
	"type": "object",
	"required": ["tables"],
	"properties": {
		"tables": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "columns"],
				"properties": {
					"name": { "type": "string", "minLength": 1 },
					"columns": {
						"type": "array",
						"items": { "type": "string", "minLength": 1 }
					},
					"owner_column": { "type": "string" },
					"admin_only": { "type": "boolean" },
					"description": { "type": "string" }
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// Set is a lookup table of all configured schemas
type Set struct {
	schemas map[string]TableSchema
	names   []string
}

// Parse validates configJSON against the configuration meta-schema and
// returns the resulting schema set. Table names must be unique and an owner
// column, if given, must be one of the table's columns.
func Parse(configJSON string) (*Set, error) {
	schemaLoader := gojsonschema.NewStringLoader(configurationSchema)
	documentLoader := gojsonschema.NewStringLoader(configJSON)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("cannot validate configuration: %w", err)
	}
	if !result.Valid() {
		message := "the configuration is not valid:\n"
		for _, e := range result.Errors() {
			message += fmt.Sprintf("- %s\n", e)
		}
		return nil, errors.New(message)
	}

	var config Configuration
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return nil, fmt.Errorf("parse error in configuration: %w", err)
	}

	set := &Set{schemas: make(map[string]TableSchema)}
	for _, table := range config.Tables {
		if _, ok := set.schemas[table.Name]; ok {
			return nil, fmt.Errorf("duplicate table %s in configuration", table.Name)
		}
		if table.OwnerColumn != "" && !table.HasColumn(table.OwnerColumn) {
			return nil, fmt.Errorf("owner column %s of table %s is not a column",
				table.OwnerColumn, table.Name)
		}
		set.schemas[table.Name] = table
		set.names = append(set.names, table.Name)
	}
	return set, nil
}

// MustParse is like Parse but panics on an invalid configuration
func MustParse(configJSON string) *Set {
	set, err := Parse(configJSON)
	if err != nil {
		panic(err)
	}
	return set
}

// Lookup returns the schema for the given table name
func (s *Set) Lookup(name string) (TableSchema, bool) {
	table, ok := s.schemas[name]
	return table, ok
}

// Names returns all configured table names in configuration order
func (s *Set) Names() []string {
	return s.names
}
