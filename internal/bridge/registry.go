package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/embarktrucks/applanix-driver/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrDuplicateStream = errors.New("bridge: stream already registered")

// Registry owns every stream opened at startup so shutdown can close them
// after the loops reading them have stopped.
type Registry struct {
	mu      sync.Mutex
	names   []string
	streams map[string]transport.Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]transport.Stream)}
}

func (r *Registry) Add(name string, s transport.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, name)
	}
	r.streams[name] = s
	r.names = append(r.names, name)
	return nil
}

func (r *Registry) Get(name string) (transport.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	return s, ok
}

// Names lists streams in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// CloseAll closes and forgets every stream, newest first.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	names := r.names
	streams := r.streams
	r.names = nil
	r.streams = make(map[string]transport.Stream)
	r.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if err := streams[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			continue
		}
		log.Debug().Str("stream", name).Msg("bridge.Registry closed")
	}
	return errors.Join(errs...)
}
