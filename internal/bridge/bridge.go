// Package bridge runs the device ports: one data port that decodes the
// navigation feed and an optional control port for commands. It owns the
// streams it opened and closes them only after every loop has stopped.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/config"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/channel"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/embarktrucks/applanix-driver/internal/transport"
	"github.com/embarktrucks/applanix-driver/internal/transport/replay"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry names of the two device streams.
const (
	StreamData    = "data"
	StreamControl = "control"
)

var ErrNoDataStream = errors.New("bridge: no data stream registered")

type Options struct {
	Catalog *catalog.Catalog
	// Exclude drops group categories by schema name prefix.
	Exclude           []string
	ReadTimeout       time.Duration
	AckTimeout        time.Duration
	KeepaliveInterval time.Duration
	MonitorInterval   time.Duration
	// Replay treats the end of the data stream as completion, not failure.
	Replay bool
	Sinks  []Sink
}

func (o Options) withDefaults() Options {
	if o.Catalog == nil {
		o.Catalog = catalog.Default()
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = channel.DefaultReadTimeout
	}
	return o
}

// Health summarizes whether the bridge loops are running.
type Health struct {
	Running bool          `json:"running"`
	Uptime  time.Duration `json:"uptime"`
	Streams []string      `json:"streams"`
	Control bool          `json:"control"`
}

type Bridge struct {
	opts     Options
	registry *Registry
	data     *DataPort
	control  *ControlPort
	latest   *Latest
	started  time.Time
	running  atomic.Bool
}

// New builds the ports over the streams already in reg. A data stream is
// required; the control port exists only if a control stream is registered.
func New(reg *Registry, opts Options) (*Bridge, error) {
	opts = opts.withDefaults()
	dataStream, ok := reg.Get(StreamData)
	if !ok {
		return nil, ErrNoDataStream
	}

	latest := NewLatest()
	sinks := append(fanout{latest}, opts.Sinks...)
	b := &Bridge{opts: opts, registry: reg, latest: latest}

	active := opts.Catalog.Without(opts.Exclude...)
	dataCh := channel.Open(dataStream, active,
		channel.WithName(StreamData),
		channel.WithReadTimeout(opts.ReadTimeout))
	b.data = NewDataPort(StreamData, dataCh, opts.Catalog, opts.Exclude, sinks)

	if controlStream, ok := reg.Get(StreamControl); ok {
		controlCh := channel.Open(controlStream, opts.Catalog,
			channel.WithName(StreamControl),
			channel.WithReadTimeout(opts.ReadTimeout))
		b.control = NewControlPort(StreamControl, controlCh, opts.Catalog, opts.AckTimeout, sinks)
	}
	return b, nil
}

// Connect opens the streams cfg describes and builds a bridge over them.
// Streams opened before a failure are closed again.
func Connect(ctx context.Context, cfg config.Config, sinks ...Sink) (*Bridge, error) {
	reg := NewRegistry()
	fail := func(err error) (*Bridge, error) {
		return nil, errors.Join(err, reg.CloseAll())
	}

	dial := transport.DefaultDialConfig()
	dial.ConnectTimeout = cfg.Timing.ConnectTimeout.Duration
	dial.MaxAttempts = cfg.Timing.ConnectAttempts

	replaying := cfg.Replay.PcapFile != ""
	if replaying {
		s, err := replay.Open(cfg.Replay.PcapFile,
			replay.WithPort(cfg.Replay.Port),
			replay.WithPace(cfg.Replay.Pace.Duration))
		if err != nil {
			return fail(err)
		}
		if err := reg.Add(StreamData, s); err != nil {
			return fail(err)
		}
	} else {
		conn, err := transport.Dial(ctx, StreamData, cfg.DataAddr(), dial)
		if err != nil {
			return fail(err)
		}
		if err := reg.Add(StreamData, conn); err != nil {
			return fail(err)
		}
	}

	if cfg.Device.Control {
		conn, err := transport.Dial(ctx, StreamControl, cfg.ControlAddr(), dial)
		if err != nil {
			return fail(err)
		}
		if err := reg.Add(StreamControl, conn); err != nil {
			return fail(err)
		}
	}

	b, err := New(reg, Options{
		Exclude:           cfg.Excluded(),
		ReadTimeout:       cfg.Timing.ReadTimeout.Duration,
		AckTimeout:        cfg.Timing.AckTimeout.Duration,
		KeepaliveInterval: cfg.Timing.KeepaliveInterval.Duration,
		MonitorInterval:   cfg.Timing.MonitorInterval.Duration,
		Replay:            replaying,
		Sinks:             sinks,
	})
	if err != nil {
		return fail(err)
	}
	return b, nil
}

// Run drives every port until ctx is done, a port fails, or a replay ends.
// Streams are closed only after all loops have returned.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	b.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.data.Run(gctx) })
	if b.control != nil {
		g.Go(func() error { return b.control.Run(gctx) })
		if b.opts.KeepaliveInterval > 0 {
			g.Go(func() error { return b.control.Keepalive(gctx, b.opts.KeepaliveInterval) })
		}
	}
	if b.opts.MonitorInterval > 0 {
		g.Go(func() error { return b.monitor(gctx, b.opts.MonitorInterval) })
	}

	err := g.Wait()
	b.running.Store(false)
	if b.opts.Replay && errors.Is(err, ErrStreamEnded) {
		log.Info().Msg("replay completed")
		err = nil
	}
	if closeErr := b.registry.CloseAll(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	b.logStats("bridge stopped")
	return err
}

func (b *Bridge) monitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.logStats("bridge heartbeat")
		}
	}
}

func (b *Bridge) logStats(msg string) {
	for _, s := range b.Stats() {
		log.Info().
			Str("port", s.Port).
			Uint64("packets", s.TotalPackets()).
			Uint64("errors", s.TotalErrors()).
			Uint64("bytes", s.Bytes).
			Int("unhandled", len(s.Unhandled)).
			Msg(msg)
	}
}

func (b *Bridge) Stats() []PortStats {
	out := []PortStats{b.data.Stats()}
	if b.control != nil {
		out = append(out, b.control.Stats())
	}
	return out
}

// Messages returns the latest decoded values per schema name.
func (b *Bridge) Messages() map[string]LatestValue {
	return b.latest.Snapshot()
}

func (b *Bridge) Health() Health {
	h := Health{
		Running: b.running.Load(),
		Streams: b.registry.Names(),
		Control: b.control != nil,
	}
	if h.Running {
		h.Uptime = time.Since(b.started)
	}
	return h
}

// Catalog is the full schema table the bridge decodes with.
func (b *Bridge) Catalog() *catalog.Catalog {
	return b.opts.Catalog
}

// Command sends one command on the control port and waits for its ack.
func (b *Bridge) Command(ctx context.Context, id uint16, values message.Record) (Ack, error) {
	if b.control == nil {
		return Ack{}, ErrControlDisabled
	}
	if !b.running.Load() {
		return Ack{}, fmt.Errorf("%w: bridge not running", ErrControlDisabled)
	}
	return b.control.Command(ctx, id, values)
}
