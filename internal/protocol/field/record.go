package field

import "fmt"

// AppendRecord encodes rec in the order of fields and appends it to dst.
// Count fields left out of rec are filled from the length of the array they
// describe; a count that disagrees with its array is ErrCountMismatch.
func AppendRecord(dst []byte, fields []Spec, rec Record) ([]byte, error) {
	rec, err := withCounts(fields, rec)
	if err != nil {
		return dst, err
	}
	for _, s := range fields {
		if dst, err = Append(dst, s, rec[s.Name]); err != nil {
			return dst, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	return dst, nil
}

// DecodeRecord decodes fields in order from the head of b.
func DecodeRecord(fields []Spec, b []byte) (Record, int, error) {
	rec := make(Record, len(fields))
	off := 0
	for _, s := range fields {
		var (
			v   any
			n   int
			err error
		)
		if s.CountFrom != "" {
			count, ok := toUint64(rec[s.CountFrom])
			if !ok {
				return nil, off, fmt.Errorf("%w: field %q count_from %q not decoded", ErrMalformedField, s.Name, s.CountFrom)
			}
			if s.Type == TypeChars {
				block := s
				block.CountFrom = ""
				block.Size = int(count)
				v, n, err = decodeElem(block, b[off:])
			} else {
				v, n, err = decodeN(s, b[off:], int(count))
			}
		} else {
			v, n, err = decodeN(s, b[off:], s.Count)
		}
		if err != nil {
			return nil, off + n, fmt.Errorf("%s: %w", s.Name, err)
		}
		rec[s.Name] = v
		off += n
	}
	return rec, off, nil
}

// RecordWidth is the encoded width of rec under fields, before any padding.
func RecordWidth(fields []Spec, rec Record) (int, error) {
	rec, err := withCounts(fields, rec)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range fields {
		w, err := specWidth(s, rec[s.Name])
		if err != nil {
			return 0, fmt.Errorf("%s: %w", s.Name, err)
		}
		total += w
	}
	return total, nil
}

func specWidth(s Spec, v any) (int, error) {
	if w := s.Width(); w >= 0 {
		return w, nil
	}
	if s.Type == TypeChars {
		return arrayLen(v)
	}
	if s.Count == 0 && s.CountFrom == "" {
		rec, ok := toRecord(v)
		if !ok {
			return 0, fmt.Errorf("%w: field %q wants Record, got %T", ErrTypeMismatch, s.Name, v)
		}
		return RecordWidth(s.Fields, rec)
	}
	items, _ := v.([]any)
	count := s.Count
	if s.CountFrom != "" {
		count = len(items)
	}
	elem := s
	elem.Count = 0
	elem.CountFrom = ""
	total := 0
	for i := 0; i < count; i++ {
		var item any
		if i < len(items) {
			item = items[i]
		}
		w, err := specWidth(elem, item)
		if err != nil {
			return 0, fmt.Errorf("[%d]: %w", i, err)
		}
		total += w
	}
	return total, nil
}

func withCounts(fields []Spec, rec Record) (Record, error) {
	var out Record
	for _, s := range fields {
		if s.CountFrom == "" {
			continue
		}
		n, err := arrayLen(rec[s.Name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		if have, ok := rec[s.CountFrom]; ok && have != nil {
			declared, ok := toUint64(have)
			if !ok || declared != uint64(n) {
				return nil, fmt.Errorf("%w: field %q has %d items, %q says %v", ErrCountMismatch, s.Name, n, s.CountFrom, have)
			}
			continue
		}
		if out == nil {
			out = make(Record, len(rec)+1)
			for k, v := range rec {
				out[k] = v
			}
		}
		out[s.CountFrom] = n
	}
	if out == nil {
		return rec, nil
	}
	return out, nil
}
