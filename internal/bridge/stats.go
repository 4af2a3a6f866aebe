package bridge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
)

// Failure kinds used as stats keys and metric labels.
const (
	FailFraming   = "framing"
	FailChecksum  = "checksum"
	FailTruncated = "truncated"
	FailDecode    = "decode"
)

// PortStats is a point-in-time copy of one port's counters.
type PortStats struct {
	Port       string            `json:"port"`
	Packets    map[string]uint64 `json:"packets"`
	Errors     map[string]uint64 `json:"errors"`
	Bytes      uint64            `json:"bytes"`
	Unhandled  []string          `json:"unhandled,omitempty"`
	LastPacket time.Time         `json:"last_packet"`
}

func (s PortStats) TotalPackets() uint64 {
	var n uint64
	for _, v := range s.Packets {
		n += v
	}
	return n
}

func (s PortStats) TotalErrors() uint64 {
	var n uint64
	for _, v := range s.Errors {
		n += v
	}
	return n
}

type counters struct {
	mu        sync.Mutex
	port      string
	packets   map[frame.ID]uint64
	errors    map[string]uint64
	unhandled map[frame.ID]struct{}
	bad       map[frame.ID]struct{}
	bytes     uint64
	last      time.Time
}

func newCounters(port string) *counters {
	return &counters{
		port:      port,
		packets:   make(map[frame.ID]uint64),
		errors:    make(map[string]uint64),
		unhandled: make(map[frame.ID]struct{}),
		bad:       make(map[frame.ID]struct{}),
	}
}

func (c *counters) packet(id frame.ID, n int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets[id]++
	c.bytes += uint64(n)
	c.last = at
}

func (c *counters) fail(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[kind]++
}

// firstUnhandled reports true only on the first sighting of id.
func (c *counters) firstUnhandled(id frame.ID) bool {
	return c.once(c.unhandled, id)
}

// firstBad reports true only on the first decode failure of id.
func (c *counters) firstBad(id frame.ID) bool {
	return c.once(c.bad, id)
}

func (c *counters) once(set map[frame.ID]struct{}, id frame.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := set[id]; seen {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (c *counters) snapshot() PortStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := PortStats{
		Port:       c.port,
		Packets:    make(map[string]uint64, len(c.packets)),
		Errors:     make(map[string]uint64, len(c.errors)),
		Bytes:      c.bytes,
		LastPacket: c.last,
	}
	for id, n := range c.packets {
		out.Packets[id.String()] = n
	}
	for k, n := range c.errors {
		out.Errors[k] = n
	}
	for id := range c.unhandled {
		out.Unhandled = append(out.Unhandled, id.String())
	}
	sort.Strings(out.Unhandled)
	return out
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, frame.ErrChecksum):
		return FailChecksum
	case errors.Is(err, frame.ErrFraming):
		return FailFraming
	case errors.Is(err, message.ErrTruncatedMessage), errors.Is(err, field.ErrMalformedField):
		return FailTruncated
	default:
		return FailDecode
	}
}
