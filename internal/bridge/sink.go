package bridge

import (
	"sync"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/rs/zerolog"
)

// Event is one decoded packet handed to sinks.
type Event struct {
	Port    string
	ID      frame.ID
	Name    string
	Message *message.Message
	At      time.Time
}

// Sink receives decoded packets in wire order. Publish is called from the
// port's receive goroutine and must not block for long.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

type fanout []Sink

func (f fanout) Publish(e Event) {
	for _, s := range f {
		s.Publish(e)
	}
}

// LogSink writes every event at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(e Event) {
	s.Logger.Debug().
		Str("port", e.Port).
		Str("id", e.ID.String()).
		Str("name", e.Name).
		Interface("values", e.Message.Values).
		Msg("packet")
}

// Latest keeps the most recent values per schema name. Configuration echoes
// arrive in bursts on the data port; this is where they settle.
type Latest struct {
	mu     sync.RWMutex
	values map[string]LatestValue
}

type LatestValue struct {
	ID     string         `json:"id"`
	At     time.Time      `json:"at"`
	Values message.Record `json:"values"`
}

func NewLatest() *Latest {
	return &Latest{values: make(map[string]LatestValue)}
}

func (l *Latest) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[e.Name] = LatestValue{ID: e.ID.String(), At: e.At, Values: e.Message.Values}
}

// Snapshot copies the cache. Records are shared, not deep-copied; decoded
// records are never mutated after publish.
func (l *Latest) Snapshot() map[string]LatestValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]LatestValue, len(l.values))
	for k, v := range l.values {
		out[k] = v
	}
	return out
}
