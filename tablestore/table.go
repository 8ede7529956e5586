package tablestore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrBadName is returned when a table or key name does not match the allowed pattern.
	ErrBadName = errors.New("invalid name")
	// ErrConstraint is returned when a row violates a table constraint.
	ErrConstraint = errors.New("constraint violation")
	// ErrTableNotFound is returned when a named table does not exist in the collection.
	ErrTableNotFound = errors.New("table not found")
	// ErrRowNotFound is returned when a row key does not exist in a table.
	ErrRowNotFound = errors.New("row not found")
)

// Table names must be usable as path segments in backend keys.
var (
	tableNamePattern = regexp.MustCompile(`^[a-z0-9.-]{1,50}$`)
	rowKeyPattern    = regexp.MustCompile(`^[\w.-]{1,50}$`)
)

// Row is a single record in a table. Field names are the schema; the
// primary-key fields of the owning table must always be present.
type Row map[string]any

// clone returns a shallow copy of the row. Values are not copied; rows are
// treated as immutable once stored.
func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a keyed set of rows. Rows are indexed by a canonical key derived
// from the primary-key fields.
type Table struct {
	Name       string         `msgpack:"name" yaml:"name"`
	PrimaryKey []string       `msgpack:"primary_key" yaml:"primary_key"`
	Uniques    [][]string     `msgpack:"uniques,omitempty" yaml:"uniques,omitempty"`
	Defaults   Row            `msgpack:"defaults,omitempty" yaml:"defaults,omitempty"`
	Rows       map[string]Row `msgpack:"rows" yaml:"rows"`
}

// NewTable creates an empty table with the given primary-key fields.
func NewTable(name string, primaryKey ...string) (*Table, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, errors.Wrapf(ErrBadName, "table name %q must match %s", name, tableNamePattern.String())
	}
	if len(primaryKey) == 0 {
		primaryKey = []string{"key"}
	}
	return &Table{
		Name:       name,
		PrimaryKey: primaryKey,
		Rows:       make(map[string]Row),
	}, nil
}

// KeyOf returns the canonical key for a row: the primary-key field values
// joined with ".". The result must be usable in backend key names.
func (t *Table) KeyOf(row Row) (string, error) {
	parts := make([]string, 0, len(t.PrimaryKey))
	for _, field := range t.PrimaryKey {
		v, ok := row[field]
		if !ok {
			return "", errors.Wrapf(ErrConstraint, "table %q: row is missing primary key field %q", t.Name, field)
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	key := strings.Join(parts, ".")
	if !rowKeyPattern.MatchString(key) {
		return "", errors.Wrapf(ErrBadName, "table %q: key %q must match %s", t.Name, key, rowKeyPattern.String())
	}
	return key, nil
}

// AddUniqueConstraint requires the given field combination to be unique
// across all rows, on top of the primary key. Field order is irrelevant.
func (t *Table) AddUniqueConstraint(fields ...string) error {
	if len(fields) == 0 {
		return errors.Wrapf(ErrConstraint, "table %q: unique constraint needs at least one field", t.Name)
	}
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	for _, existing := range t.Uniques {
		if strings.Join(existing, ",") == strings.Join(sorted, ",") {
			return nil
		}
	}
	t.Uniques = append(t.Uniques, sorted)
	return nil
}

// SetDefaults defines field values filled in when a row is created without
// them. Existing rows are untouched.
func (t *Table) SetDefaults(defaults Row) {
	t.Defaults = defaults.clone()
}

// applyDefaults returns the row with missing default fields filled in.
func (t *Table) applyDefaults(row Row) Row {
	if len(t.Defaults) == 0 {
		return row.clone()
	}
	out := make(Row, len(t.Defaults)+len(row))
	for k, v := range t.Defaults {
		out[k] = v
	}
	for k, v := range row {
		out[k] = v
	}
	return out
}

// uniqueTuple renders the constraint's field values for one row. Rows that
// are missing any constrained field are exempt from the constraint.
func uniqueTuple(fields []string, row Row) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		v, ok := row[field]
		if !ok {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x00"), true
}

// checkUniques verifies the candidate row against every unique constraint,
// ignoring the row stored under selfKey.
func (t *Table) checkUniques(selfKey string, candidate Row) error {
	for _, fields := range t.Uniques {
		want, ok := uniqueTuple(fields, candidate)
		if !ok {
			continue
		}
		for key, row := range t.Rows {
			if key == selfKey {
				continue
			}
			if got, ok := uniqueTuple(fields, row); ok && got == want {
				return errors.Wrapf(ErrConstraint, "table %q: unique constraint %v violated by row %q",
					t.Name, fields, key)
			}
		}
	}
	return nil
}

// Add inserts a new row, filling in default values for absent fields. It
// fails if a row with the same primary key exists or a unique constraint
// would be violated.
func (t *Table) Add(row Row) error {
	row = t.applyDefaults(row)
	key, err := t.KeyOf(row)
	if err != nil {
		return err
	}
	if _, exists := t.Rows[key]; exists {
		return errors.Wrapf(ErrConstraint, "table %q: duplicate primary key %q", t.Name, key)
	}
	if err := t.checkUniques(key, row); err != nil {
		return err
	}
	t.Rows[key] = row
	return nil
}

// Get returns the row with the given canonical key.
func (t *Table) Get(key string) (Row, bool) {
	row, ok := t.Rows[key]
	if !ok {
		return nil, false
	}
	return row.clone(), true
}

// Find returns all rows whose fields match every entry of criteria.
// A nil criteria returns all rows.
func (t *Table) Find(criteria map[string]any) []Row {
	out := make([]Row, 0)
	for _, key := range t.sortedKeys() {
		row := t.Rows[key]
		matched := true
		for k, v := range criteria {
			if rv, ok := row[k]; !ok || rv != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, row.clone())
		}
	}
	return out
}

// Update merges fields into the row with the given key, creating the row if
// it does not exist. The primary-key fields of an existing row cannot be
// changed through Update.
func (t *Table) Update(key string, fields Row) error {
	row, ok := t.Rows[key]
	if !ok {
		if !rowKeyPattern.MatchString(key) {
			return errors.Wrapf(ErrBadName, "table %q: key %q must match %s", t.Name, key, rowKeyPattern.String())
		}
		row = make(Row)
		// Single-field primary keys can be reconstructed from the canonical key.
		if len(t.PrimaryKey) == 1 {
			row[t.PrimaryKey[0]] = key
		}
		row = t.applyDefaults(row)
	} else {
		row = row.clone()
	}
	for k, v := range fields {
		row[k] = v
	}
	newKey, err := t.KeyOf(row)
	if err != nil {
		return err
	}
	if newKey != key {
		return errors.Wrapf(ErrConstraint, "table %q: update would move row %q to %q", t.Name, key, newKey)
	}
	if err := t.checkUniques(key, row); err != nil {
		return err
	}
	t.Rows[key] = row
	return nil
}

// Remove deletes the row with the given key, reporting whether it existed.
func (t *Table) Remove(key string) bool {
	if _, ok := t.Rows[key]; !ok {
		return false
	}
	delete(t.Rows, key)
	return true
}

// Len returns the number of rows in the table.
func (t *Table) Len() int {
	return len(t.Rows)
}

func (t *Table) sortedKeys() []string {
	keys := make([]string, 0, len(t.Rows))
	for k := range t.Rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table) clone() *Table {
	rows := make(map[string]Row, len(t.Rows))
	for k, v := range t.Rows {
		rows[k] = v.clone()
	}
	pk := make([]string, len(t.PrimaryKey))
	copy(pk, t.PrimaryKey)
	uniques := make([][]string, len(t.Uniques))
	for i, fields := range t.Uniques {
		uniques[i] = make([]string, len(fields))
		copy(uniques[i], fields)
	}
	var defaults Row
	if t.Defaults != nil {
		defaults = t.Defaults.clone()
	}
	return &Table{Name: t.Name, PrimaryKey: pk, Uniques: uniques, Defaults: defaults, Rows: rows}
}
