package field

import (
	"encoding/binary"
	"fmt"
	"math"
)

var order = binary.LittleEndian

// Append encodes v as field s and appends it to dst.
//
// Integer and float fields accept any Go numeric value; values outside the
// field's range are truncated to its width. Chars accept string or []byte and
// are zero-padded or cut to the declared width. A nil value encodes as zero.
func Append(dst []byte, s Spec, v any) ([]byte, error) {
	switch {
	case s.Count > 0:
		return appendArray(dst, s, v, s.Count)
	case s.CountFrom != "" && s.Type != TypeChars:
		n, err := arrayLen(v)
		if err != nil {
			return dst, err
		}
		return appendArray(dst, s, v, n)
	}
	return appendElem(dst, s, v)
}

// Decode reads one field s from the head of b and reports the bytes used.
// Variable-count fields need their record context; use DecodeRecord for those.
func Decode(s Spec, b []byte) (any, int, error) {
	if s.CountFrom != "" {
		return nil, 0, fmt.Errorf("%w: field %q needs record context", ErrInvalidSpec, s.Name)
	}
	return decodeN(s, b, s.Count)
}

func decodeN(s Spec, b []byte, count int) (any, int, error) {
	if count == 0 && (s.Count == 0 && s.CountFrom == "") {
		return decodeElem(s, b)
	}
	out := make([]any, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		v, n, err := decodeElem(s, b[off:])
		if err != nil {
			return nil, off, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, v)
		off += n
	}
	return out, off, nil
}

func appendArray(dst []byte, s Spec, v any, count int) ([]byte, error) {
	var items []any
	if v != nil {
		var ok bool
		items, ok = v.([]any)
		if !ok {
			return dst, fmt.Errorf("%w: field %q wants []any, got %T", ErrTypeMismatch, s.Name, v)
		}
	}
	if len(items) > count {
		return dst, fmt.Errorf("%w: field %q has %d items, max %d", ErrCountMismatch, s.Name, len(items), count)
	}
	var err error
	for i := 0; i < count; i++ {
		var item any
		if i < len(items) {
			item = items[i]
		}
		if dst, err = appendElem(dst, s, item); err != nil {
			return dst, fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return dst, nil
}

func appendElem(dst []byte, s Spec, v any) ([]byte, error) {
	switch s.Type {
	case TypeFloat32, TypeFloat64:
		f, ok := toFloat64(v)
		if !ok {
			return dst, fmt.Errorf("%w: field %q wants number, got %T", ErrTypeMismatch, s.Name, v)
		}
		if s.Type == TypeFloat32 {
			return order.AppendUint32(dst, math.Float32bits(float32(f))), nil
		}
		return order.AppendUint64(dst, math.Float64bits(f)), nil
	case TypeChars:
		raw, ok := toBytes(v)
		if !ok {
			return dst, fmt.Errorf("%w: field %q wants string or []byte, got %T", ErrTypeMismatch, s.Name, v)
		}
		width := s.Size
		if s.CountFrom != "" {
			width = len(raw)
		}
		block := make([]byte, width)
		copy(block, raw)
		return append(dst, block...), nil
	case TypeGroup:
		rec, ok := toRecord(v)
		if !ok {
			return dst, fmt.Errorf("%w: field %q wants Record, got %T", ErrTypeMismatch, s.Name, v)
		}
		return AppendRecord(dst, s.Fields, rec)
	}

	u, ok := toUint64(v)
	if !ok {
		return dst, fmt.Errorf("%w: field %q wants integer, got %T", ErrTypeMismatch, s.Name, v)
	}
	switch s.Type.scalarWidth() {
	case 1:
		return append(dst, byte(u)), nil
	case 2:
		return order.AppendUint16(dst, uint16(u)), nil
	case 4:
		return order.AppendUint32(dst, uint32(u)), nil
	case 8:
		return order.AppendUint64(dst, u), nil
	}
	return dst, fmt.Errorf("%w: field %q unknown %s", ErrInvalidSpec, s.Name, s.Type)
}

func decodeElem(s Spec, b []byte) (any, int, error) {
	if s.Type == TypeGroup {
		rec, n, err := DecodeRecord(s.Fields, b)
		if err != nil {
			return nil, n, err
		}
		return rec, n, nil
	}
	w := s.ElemWidth()
	if w < 0 || len(b) < w {
		return nil, 0, fmt.Errorf("%w: field %q needs %d bytes, have %d", ErrMalformedField, s.Name, w, len(b))
	}
	switch s.Type {
	case TypeInt8:
		return int8(b[0]), 1, nil
	case TypeUint8:
		return b[0], 1, nil
	case TypeInt16:
		return int16(order.Uint16(b)), 2, nil
	case TypeUint16:
		return order.Uint16(b), 2, nil
	case TypeInt32:
		return int32(order.Uint32(b)), 4, nil
	case TypeUint32:
		return order.Uint32(b), 4, nil
	case TypeInt64:
		return int64(order.Uint64(b)), 8, nil
	case TypeUint64:
		return order.Uint64(b), 8, nil
	case TypeFloat32:
		return math.Float32frombits(order.Uint32(b)), 4, nil
	case TypeFloat64:
		return math.Float64frombits(order.Uint64(b)), 8, nil
	case TypeChars:
		out := make([]byte, w)
		copy(out, b[:w])
		return out, w, nil
	}
	return nil, 0, fmt.Errorf("%w: field %q unknown %s", ErrInvalidSpec, s.Name, s.Type)
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case int:
		return uint64(x), true
	case int8:
		return uint64(x), true
	case int16:
		return uint64(x), true
	case int32:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case float32:
		return uint64(int64(x)), true
	case float64:
		return uint64(int64(x)), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func toBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	}
	return nil, false
}

func toRecord(v any) (Record, bool) {
	switch x := v.(type) {
	case nil:
		return Record{}, true
	case Record:
		return x, true
	case map[string]any:
		return Record(x), true
	}
	return nil, false
}

func arrayLen(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case []any:
		return len(x), nil
	case []byte:
		return len(x), nil
	case string:
		return len(x), nil
	}
	return 0, fmt.Errorf("%w: want array value, got %T", ErrTypeMismatch, v)
}
