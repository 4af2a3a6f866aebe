package field

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMalformedField = errors.New("field: malformed field")
	ErrTypeMismatch   = errors.New("field: value type mismatch")
	ErrCountMismatch  = errors.New("field: array count mismatch")
	ErrInvalidSpec    = errors.New("field: invalid spec")
)

// Type is the wire type of one field element.
type Type uint8

const (
	TypeInt8 Type = iota + 1
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeChars
	TypeGroup
)

var typeNames = map[Type]string{
	TypeInt8:    "int8",
	TypeUint8:   "uint8",
	TypeInt16:   "int16",
	TypeUint16:  "uint16",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeInt64:   "int64",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeChars:   "chars",
	TypeGroup:   "group",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Integer reports whether t is one of the fixed-width integer types.
func (t Type) Integer() bool {
	return t >= TypeInt8 && t <= TypeUint64
}

func (t Type) scalarWidth() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	}
	return 0
}

// Record holds decoded or to-be-encoded field values keyed by field name.
//
// Value representation:
//   - integers decode to their exact Go type (int8 .. uint64)
//   - floats decode to float32 / float64
//   - chars decode to a []byte of exactly the declared width
//   - groups decode to a nested Record
//   - repeated fields decode to []any
type Record map[string]any

// Spec declares one field of a schema.
//
// Count > 0 makes the field a fixed-length array. CountFrom names an earlier
// integer field of the same record holding the element count; for TypeChars
// it holds the byte width of a variable-length block instead.
type Spec struct {
	Name      string
	Type      Type
	Size      int
	Count     int
	CountFrom string
	Fields    []Spec
	Enum      map[uint64]string
}

// Variable reports whether the encoded width of s depends on record values.
func (s Spec) Variable() bool {
	if s.CountFrom != "" {
		return true
	}
	for _, f := range s.Fields {
		if f.Variable() {
			return true
		}
	}
	return false
}

// ElemWidth is the width of one element of s, or -1 if it is not fixed.
func (s Spec) ElemWidth() int {
	switch s.Type {
	case TypeChars:
		if s.CountFrom != "" {
			return -1
		}
		return s.Size
	case TypeGroup:
		total := 0
		for _, f := range s.Fields {
			w := f.Width()
			if w < 0 {
				return -1
			}
			total += w
		}
		return total
	default:
		return s.Type.scalarWidth()
	}
}

// Width is the declared wire width of s, or -1 if it is variable.
func (s Spec) Width() int {
	if s.Variable() {
		return -1
	}
	w := s.ElemWidth()
	if s.Count > 0 {
		return w * s.Count
	}
	return w
}

// Label returns the enum name for v, or its decimal form.
func (s Spec) Label(v any) string {
	n, ok := toUint64(v)
	if !ok {
		return fmt.Sprint(v)
	}
	if name, ok := s.Enum[n]; ok {
		return name
	}
	return strconv.FormatUint(n, 10)
}

// Validate checks an ordered field list for structural errors.
func Validate(fields []Spec) error {
	seen := make(map[string]Type, len(fields))
	for i, s := range fields {
		if s.Name == "" {
			return fmt.Errorf("%w: field[%d] missing name", ErrInvalidSpec, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSpec, s.Name)
		}
		if s.Count < 0 {
			return fmt.Errorf("%w: field %q negative count", ErrInvalidSpec, s.Name)
		}
		if s.Count > 0 && s.CountFrom != "" {
			return fmt.Errorf("%w: field %q has both count and count_from", ErrInvalidSpec, s.Name)
		}
		if s.CountFrom != "" {
			t, ok := seen[s.CountFrom]
			if !ok || !t.Integer() {
				return fmt.Errorf("%w: field %q count_from %q is not an earlier integer field", ErrInvalidSpec, s.Name, s.CountFrom)
			}
		}
		switch s.Type {
		case TypeChars:
			if s.Size <= 0 && s.CountFrom == "" {
				return fmt.Errorf("%w: chars field %q needs a size", ErrInvalidSpec, s.Name)
			}
		case TypeGroup:
			if len(s.Fields) == 0 {
				return fmt.Errorf("%w: group field %q has no members", ErrInvalidSpec, s.Name)
			}
			if err := Validate(s.Fields); err != nil {
				return fmt.Errorf("%s: %w", s.Name, err)
			}
		default:
			if s.Type.scalarWidth() == 0 {
				return fmt.Errorf("%w: field %q unknown %s", ErrInvalidSpec, s.Name, s.Type)
			}
		}
		seen[s.Name] = s.Type
	}
	return nil
}
