package catalog

import (
	"errors"
	"testing"

	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/embarktrucks/applanix-driver/internal/testutil/testlog"
)

func TestDefaultCatalogValidates(t *testing.T) {
	testlog.Start(t)
	c, err := New(Builtin()...)
	if err != nil {
		t.Fatalf("builtin catalog: %v", err)
	}
	if c.Len() != len(Builtin()) {
		t.Fatalf("unexpected entry count %d", c.Len())
	}
	nav, ok := c.Lookup(frame.GroupID(GroupNavigation))
	if !ok {
		t.Fatalf("missing navigation group")
	}
	if nav.Width() != 127 || message.Pad4(nav.Width()) != 128 {
		t.Fatalf("unexpected navigation width %d", nav.Width())
	}
	ack, ok := c.Lookup(frame.MessageID(MsgAck))
	if !ok || ack.Width() != 39 {
		t.Fatalf("unexpected ack schema %+v", ack)
	}
	if gnss, _ := c.Lookup(frame.GroupID(GroupGNSSPrimary)); gnss.Width() != -1 {
		t.Fatalf("gnss status should be variable width")
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	testlog.Start(t)
	s := &message.Schema{Name: "x", Fields: []field.Spec{{Name: "a", Type: field.TypeUint8}}}
	_, err := New(
		Entry{ID: frame.MessageID(7), Schema: s},
		Entry{ID: frame.MessageID(7), Schema: s},
	)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSameNumberDifferentKindIsDistinct(t *testing.T) {
	testlog.Start(t)
	s := &message.Schema{Name: "x", Fields: []field.Spec{{Name: "a", Type: field.TypeUint8}}}
	c, err := New(
		Entry{ID: frame.MessageID(7), Schema: s},
		Entry{ID: frame.GroupID(7), Schema: s},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected two entries")
	}
}

func TestNewRejectsInvalidSchema(t *testing.T) {
	testlog.Start(t)
	_, err := New(Entry{ID: frame.GroupID(1), Schema: &message.Schema{
		Name:   "bad",
		Fields: []field.Spec{{Name: "c", Type: field.TypeChars}},
	}})
	if !errors.Is(err, field.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	_, err = New(Entry{ID: frame.GroupID(2)})
	if !errors.Is(err, ErrNilSchema) {
		t.Fatalf("expected ErrNilSchema, got %v", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	testlog.Start(t)
	_, err := Default().Resolve(frame.MessageID(9999))
	if !errors.Is(err, message.ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}

func TestWithoutDropsGroupPrefixes(t *testing.T) {
	testlog.Start(t)
	c := Default().Without(CategoryRaw, CategoryStatus)
	if _, ok := c.Lookup(frame.GroupID(GroupIMUData)); ok {
		t.Fatalf("raw group should be excluded")
	}
	if _, ok := c.Lookup(frame.GroupID(GroupGNSSPrimary)); ok {
		t.Fatalf("status group should be excluded")
	}
	if _, ok := c.Lookup(frame.GroupID(GroupNavigation)); !ok {
		t.Fatalf("navigation group should be kept")
	}
	if _, ok := c.Lookup(frame.MessageID(MsgAck)); !ok {
		t.Fatalf("messages are never excluded")
	}
	entries := c.Entries()
	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1].ID, entries[i].ID
		if a.Kind > b.Kind || (a.Kind == b.Kind && a.Num >= b.Num) {
			t.Fatalf("entries not ordered: %s before %s", a, b)
		}
	}
}

func TestNilCatalogIsEmpty(t *testing.T) {
	testlog.Start(t)
	var c *Catalog
	if got := c.Without(CategoryRaw); got != nil {
		t.Fatalf("nil catalog filtered to %v", got)
	}
	if c.Len() != 0 || c.Entries() != nil {
		t.Fatalf("nil catalog should be empty")
	}
	if _, err := c.Resolve(frame.MessageID(MsgAck)); !errors.Is(err, message.ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}
