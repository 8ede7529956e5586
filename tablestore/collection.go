package tablestore

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/configmesh/tablesync/codec"
)

// Collection is a named set of tables. It is the unit of versioning: a
// commit always serializes the whole collection, never a delta.
type Collection struct {
	Name   string            `msgpack:"name" yaml:"name"`
	Tables map[string]*Table `msgpack:"tables" yaml:"tables"`
}

// NewCollection creates an empty collection.
func NewCollection(name string) (*Collection, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, errors.Wrapf(ErrBadName, "collection name %q must match %s", name, tableNamePattern.String())
	}
	return &Collection{
		Name:   name,
		Tables: make(map[string]*Table),
	}, nil
}

// AddTable creates a table inside the collection.
func (c *Collection) AddTable(name string, primaryKey ...string) (*Table, error) {
	if _, exists := c.Tables[name]; exists {
		return nil, errors.Wrapf(ErrConstraint, "collection %q: table %q already exists", c.Name, name)
	}
	table, err := NewTable(name, primaryKey...)
	if err != nil {
		return nil, err
	}
	c.Tables[name] = table
	return table, nil
}

// Table returns the named table.
func (c *Collection) Table(name string) (*Table, error) {
	table, ok := c.Tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "collection %q has no table %q", c.Name, name)
	}
	return table, nil
}

// Clone returns a deep copy of the collection. Working copies for staged
// writes are always clones so readers never observe partial mutations.
func (c *Collection) Clone() *Collection {
	tables := make(map[string]*Table, len(c.Tables))
	for name, table := range c.Tables {
		tables[name] = table.clone()
	}
	return &Collection{Name: c.Name, Tables: tables}
}

// Checksums returns per-table content digests keyed by table name. They are
// recorded in the blob metadata tags so operators can see which tables
// actually changed between versions.
func (c *Collection) Checksums() (map[string]string, error) {
	sums := make(map[string]string, len(c.Tables))
	for name, table := range c.Tables {
		data, err := msgpack.Marshal(table)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal table %q", name)
		}
		sums["table."+name] = codec.Checksum(data)
	}
	return sums, nil
}

// Marshal serializes the collection to its payload bytes.
func (c *Collection) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal collection %q", c.Name)
	}
	return data, nil
}

// UnmarshalCollection decodes payload bytes produced by Marshal.
func UnmarshalCollection(data []byte) (*Collection, error) {
	var c Collection
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal collection")
	}
	if c.Tables == nil {
		c.Tables = make(map[string]*Table)
	}
	return &c, nil
}
