package message

import (
	"errors"
	"testing"

	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/testutil/testlog"
)

var navMode = &Schema{
	Name: "nav_mode",
	Fields: []field.Spec{
		{Name: "transaction", Type: field.TypeUint16},
		{Name: "mode", Type: field.TypeUint8},
	},
}

var solution = &Schema{
	Name: "solution",
	Fields: []field.Spec{
		{Name: "time", Type: field.TypeFloat64},
		{Name: "latitude", Type: field.TypeFloat64},
		{Name: "velocity", Type: field.TypeFloat32, Count: 3},
		{Name: "tag", Type: field.TypeChars, Size: 4},
		{Name: "status", Type: field.TypeInt8},
	},
}

func TestSizeIsSumOfWidths(t *testing.T) {
	testlog.Start(t)
	n, err := Size(New(navMode, Record{"transaction": 7, "mode": 2}))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 3 {
		t.Fatalf("unexpected size %d", n)
	}
	if navMode.Width() != 3 || solution.Width() != 8+8+12+4+1 {
		t.Fatalf("unexpected schema widths %d %d", navMode.Width(), solution.Width())
	}
}

func TestSerializeAddsNoPadding(t *testing.T) {
	testlog.Start(t)
	b, err := Serialize(New(navMode, Record{"transaction": uint16(0x0102), "mode": uint8(9)}))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := []byte{0x02, 0x01, 9}
	if string(b) != string(want) {
		t.Fatalf("got=% x want=% x", b, want)
	}
	if Pad4(len(b)) != 4 || Pad4(8) != 8 || Pad4(0) != 0 {
		t.Fatalf("unexpected pad4 results")
	}
}

func TestRoundTripFieldForField(t *testing.T) {
	testlog.Start(t)
	in := New(solution, Record{
		"time":     float64(1234.5),
		"latitude": float64(43.5),
		"velocity": []any{float32(1), float32(-2), float32(0.25)},
		"tag":      []byte("ABCD"),
		"status":   int8(-3),
	})
	b, err := Serialize(in)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out, n, err := Deserialize(b, solution)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d", n, len(b))
	}
	if !out.Equal(in) {
		t.Fatalf("round trip mismatch: got=%#v want=%#v", out.Values, in.Values)
	}
}

func TestDeserializeTruncated(t *testing.T) {
	testlog.Start(t)
	_, _, err := Deserialize([]byte{1, 2}, navMode)
	if !errors.Is(err, ErrTruncatedMessage) {
		t.Fatalf("expected ErrTruncatedMessage, got %v", err)
	}
	if !errors.Is(err, field.ErrMalformedField) {
		t.Fatalf("expected wrapped ErrMalformedField, got %v", err)
	}
}

func TestDeserializeNilSchemaIsUnknown(t *testing.T) {
	testlog.Start(t)
	_, _, err := Deserialize([]byte{1, 2, 3, 4}, nil)
	if !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}

func TestEqualDetectsFieldDifference(t *testing.T) {
	testlog.Start(t)
	a := New(navMode, Record{"transaction": uint16(1), "mode": uint8(2)})
	b := New(navMode, Record{"transaction": uint16(1), "mode": uint8(3)})
	if a.Equal(b) {
		t.Fatalf("messages should differ")
	}
}
