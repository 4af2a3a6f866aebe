package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateID = errors.New("catalog: duplicate packet id")
	ErrNilSchema   = errors.New("catalog: nil schema")
)

// Entry binds one packet identity to the schema of its body.
type Entry struct {
	ID     frame.ID
	Schema *message.Schema
}

// Catalog is an immutable (kind,id) -> schema table validated at construction.
type Catalog struct {
	entries map[frame.ID]Entry
}

// New validates every entry and rejects duplicate identities.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[frame.ID]Entry, len(entries))}
	for _, e := range entries {
		if e.Schema == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilSchema, e.ID)
		}
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		if err := e.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", e.ID, err)
		}
		c.entries[e.ID] = e
	}
	log.Debug().Int("entries", len(c.entries)).Msg("catalog.New")
	return c, nil
}

// MustNew is New for static tables; it panics on an invalid table.
func MustNew(entries ...Entry) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the schema registered for id.
func (c *Catalog) Lookup(id frame.ID) (*message.Schema, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.entries[id]
	return e.Schema, ok
}

// Resolve is Lookup that reports a missing id as message.ErrUnknownSchema.
func (c *Catalog) Resolve(id frame.ID) (*message.Schema, error) {
	s, ok := c.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", message.ErrUnknownSchema, id)
	}
	return s, nil
}

// Entries lists the table ordered by kind then id.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Kind != out[j].ID.Kind {
			return out[i].ID.Kind < out[j].ID.Kind
		}
		return out[i].ID.Num < out[j].ID.Num
	})
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Without returns a copy that drops group entries whose schema name starts
// with any of prefixes. Message entries are always kept. A nil catalog stays
// nil.
func (c *Catalog) Without(prefixes ...string) *Catalog {
	if c == nil {
		return nil
	}
	out := &Catalog{entries: make(map[frame.ID]Entry, c.Len())}
	for id, e := range c.entries {
		if id.Kind == frame.KindGroup && hasAnyPrefix(e.Schema.Name, prefixes) {
			log.Debug().Str("id", id.String()).Str("name", e.Schema.Name).Msg("catalog: excluded")
			continue
		}
		out.entries[id] = e
	}
	return out
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
