// Package message translates schema-described messages to and from bytes.
//
// A Schema is an ordered field list; the translator walks it with the field
// codec and never adds padding. Word alignment of packet bodies belongs to
// the frame layer.
package message

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
)

var (
	ErrTruncatedMessage = errors.New("message: truncated message")
	ErrUnknownSchema    = errors.New("message: unknown schema")
	ErrNilMessage       = errors.New("message: nil message or schema")
)

// Record is the value set of one message keyed by field name.
type Record = field.Record

// Schema describes the body layout of one message or group.
type Schema struct {
	Name   string
	Fields []field.Spec
}

// Validate checks the schema's field list.
func (s *Schema) Validate() error {
	if s == nil {
		return ErrNilMessage
	}
	if err := field.Validate(s.Fields); err != nil {
		return fmt.Errorf("schema %q: %w", s.Name, err)
	}
	return nil
}

// Width is the fixed body width of s, or -1 when it has variable fields.
func (s *Schema) Width() int {
	total := 0
	for _, f := range s.Fields {
		w := f.Width()
		if w < 0 {
			return -1
		}
		total += w
	}
	return total
}

// Field returns the spec named name.
func (s *Schema) Field(name string) (field.Spec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return field.Spec{}, false
}

// Message is one typed message bound to its schema.
type Message struct {
	Schema *Schema
	Values Record
}

// New returns a message for schema with the given values.
func New(schema *Schema, values Record) *Message {
	if values == nil {
		values = Record{}
	}
	return &Message{Schema: schema, Values: values}
}

// Get returns the value of one field.
func (m *Message) Get(name string) (any, bool) {
	v, ok := m.Values[name]
	return v, ok
}

// Equal compares two messages field-for-field in schema order.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Schema != o.Schema {
		return false
	}
	for _, f := range m.Schema.Fields {
		if !reflect.DeepEqual(m.Values[f.Name], o.Values[f.Name]) {
			return false
		}
	}
	return true
}

// Size is the serialized width of m before padding.
func Size(m *Message) (int, error) {
	if m == nil || m.Schema == nil {
		return 0, ErrNilMessage
	}
	return field.RecordWidth(m.Schema.Fields, m.Values)
}

// Serialize encodes m's fields in schema order with no padding.
func Serialize(m *Message) ([]byte, error) {
	if m == nil || m.Schema == nil {
		return nil, ErrNilMessage
	}
	size, err := Size(m)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", m.Schema.Name, err)
	}
	out, err := field.AppendRecord(make([]byte, 0, size), m.Schema.Fields, m.Values)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", m.Schema.Name, err)
	}
	return out, nil
}

// Deserialize decodes b with schema and reports the bytes consumed.
// Trailing bytes beyond the schema are left to the caller.
func Deserialize(b []byte, schema *Schema) (*Message, int, error) {
	if schema == nil {
		return nil, 0, ErrUnknownSchema
	}
	rec, n, err := field.DecodeRecord(schema.Fields, b)
	if err != nil {
		if errors.Is(err, field.ErrMalformedField) {
			return nil, n, fmt.Errorf("%w: %s: %w", ErrTruncatedMessage, schema.Name, err)
		}
		return nil, n, fmt.Errorf("deserialize %s: %w", schema.Name, err)
	}
	return &Message{Schema: schema, Values: rec}, n, nil
}

// Pad4 rounds n up to the next multiple of four.
func Pad4(n int) int {
	return (n + 3) &^ 3
}
