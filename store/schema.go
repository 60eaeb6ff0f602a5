package store

import (
	"fmt"
	"time"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/fts"
)

// FieldType is the declared type of an indexable field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldTime
	FieldBool
)

// FieldDef declares one field of a collection. Only declared fields can be
// indexed, full-text indexed, filtered or sorted on; undeclared fields are
// still stored and round-tripped through the codec.
type FieldDef struct {
	Name    string
	Type    FieldType
	Indexed bool

	// FullText marks a string field for full-text indexing. HTML fields
	// are converted to plain text before tokenization. Weight feeds the
	// relevance score (default 1).
	FullText bool
	HTML     bool
	Weight   uint8
}

// Collection declares a named category of documents with its field schema.
// The numeric ID is embedded in storage keys and must stay stable for the
// lifetime of the data.
type Collection struct {
	Name   string
	ID     uint8
	Fields []FieldDef

	fieldsByName map[string]*fieldInfo
}

type fieldInfo struct {
	def FieldDef
	id  uint8
}

// Schema is the set of collections an account may hold.
type Schema struct {
	byName map[string]*Collection
	byID   map[uint8]*Collection
}

// NewSchema validates and registers the given collections.
func NewSchema(collections ...Collection) (*Schema, error) {
	s := &Schema{
		byName: make(map[string]*Collection, len(collections)),
		byID:   make(map[uint8]*Collection, len(collections)),
	}
	for i := range collections {
		c := collections[i]
		if c.Name == "" {
			return nil, fmt.Errorf("collection with empty name")
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate collection name %q", c.Name)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate collection id %d (%q)", c.ID, c.Name)
		}
		if len(c.Fields) > 255 {
			return nil, fmt.Errorf("collection %q declares too many fields", c.Name)
		}

		c.fieldsByName = make(map[string]*fieldInfo, len(c.Fields))
		for j := range c.Fields {
			f := c.Fields[j]
			if _, dup := c.fieldsByName[f.Name]; dup {
				return nil, fmt.Errorf("collection %q declares field %q twice", c.Name, f.Name)
			}
			if f.FullText && f.Type != FieldString {
				return nil, fmt.Errorf("collection %q: full-text field %q must be a string", c.Name, f.Name)
			}
			c.fieldsByName[f.Name] = &fieldInfo{def: f, id: uint8(j)}
		}

		s.byName[c.Name] = &c
		s.byID[c.ID] = &c
	}
	return s, nil
}

// Collection resolves a collection by name.
func (s *Schema) Collection(name string) (*Collection, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", consts.ErrSchemaMismatch, name)
	}
	return c, nil
}

func (s *Schema) collectionByID(id uint8) (*Collection, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Collections returns the declared collections.
func (s *Schema) Collections() []*Collection {
	out := make([]*Collection, 0, len(s.byName))
	for _, c := range s.byName {
		out = append(out, c)
	}
	return out
}

func (c *Collection) field(name string) (*fieldInfo, error) {
	f, ok := c.fieldsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q has no field %q", consts.ErrSchemaMismatch, c.Name, name)
	}
	return f, nil
}

// encodeFieldValue produces the order-preserving index encoding of a field
// value, coercing the dynamic types the CBOR codec may hand back.
func (f *fieldInfo) encodeFieldValue(value any) ([]byte, error) {
	switch f.def.Type {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects a string, got %T", consts.ErrSchemaMismatch, f.def.Name, value)
		}
		return encodeIndexString(fts.FoldTerm(s)), nil
	case FieldInt:
		switch v := value.(type) {
		case int64:
			return encodeIndexInt(v), nil
		case int:
			return encodeIndexInt(int64(v)), nil
		case uint64:
			return encodeIndexInt(int64(v)), nil
		}
		return nil, fmt.Errorf("%w: field %q expects an integer, got %T", consts.ErrSchemaMismatch, f.def.Name, value)
	case FieldTime:
		switch v := value.(type) {
		case time.Time:
			return encodeIndexTime(v), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q holds an unparseable time: %v", consts.ErrSchemaMismatch, f.def.Name, err)
			}
			return encodeIndexTime(t), nil
		}
		return nil, fmt.Errorf("%w: field %q expects a time, got %T", consts.ErrSchemaMismatch, f.def.Name, value)
	case FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: field %q expects a bool, got %T", consts.ErrSchemaMismatch, f.def.Name, value)
		}
		return encodeIndexBool(b), nil
	}
	return nil, fmt.Errorf("%w: field %q has unknown type", consts.ErrSchemaMismatch, f.def.Name)
}

func (f *fieldInfo) weight() uint8 {
	if f.def.Weight == 0 {
		return 1
	}
	return f.def.Weight
}
