package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/observability"
	"github.com/embarktrucks/applanix-driver/internal/protocol/channel"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// ErrStreamEnded is returned by a port loop when its stream reached EOF,
// including an EOF that cut a packet short.
var ErrStreamEnded = errors.New("bridge: stream ended")

// port is the receive loop shared by the data and control ports.
type port struct {
	name  string
	ch    *channel.Channel
	stats *counters
	now   func() time.Time
}

func newPort(name string, ch *channel.Channel) port {
	return port{name: name, ch: ch, stats: newCounters(name), now: time.Now}
}

// loop polls the channel until ctx is done. The stop signal is observed
// between receive attempts, so it takes at most one read timeout.
func (p *port) loop(ctx context.Context, handle func(channel.Packet)) error {
	log.Info().Str("port", p.name).Msg("port started")
	defer log.Info().Str("port", p.name).Msg("port finished")

	for ctx.Err() == nil {
		pkt, ok, err := p.ch.TryReceive()
		if err != nil {
			if err := p.reject(err); err != nil {
				return err
			}
			continue
		}
		if !ok {
			continue
		}
		p.stats.packet(pkt.ID, len(pkt.Body), p.now())
		observability.RecordPacket(p.name, pkt.ID.String(), len(pkt.Body))
		handle(pkt)
	}
	return nil
}

// reject accounts for a failed receive. Packet-scoped failures are logged and
// swallowed; a framing failure also resynchronizes the stream. Anything else
// ends the loop.
func (p *port) reject(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		log.Warn().Str("port", p.name).Err(err).Msg("stream ended inside a packet, tail dropped")
		return fmt.Errorf("%s: %w", p.name, ErrStreamEnded)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", p.name, ErrStreamEnded)
	}
	if !channel.IsPacketError(err) {
		return fmt.Errorf("%s port: %w", p.name, err)
	}

	kind := failureKind(err)
	p.stats.fail(kind)
	observability.RecordReceiveError(p.name, kind)

	var pe *channel.PacketError
	switch {
	case errors.As(err, &pe) && kind == FailTruncated:
		if p.stats.firstBad(pe.ID) {
			log.Warn().Str("port", p.name).Str("id", pe.ID.String()).Err(err).Msg("error parsing packet")
		}
	default:
		log.Warn().Str("port", p.name).Str("kind", kind).Err(err).Msg("packet discarded")
	}

	if !errors.Is(err, frame.ErrFraming) {
		return nil
	}
	skipped, _, rerr := p.ch.Resync()
	if rerr != nil {
		return p.reject(rerr)
	}
	if skipped > 0 {
		log.Debug().Str("port", p.name).Int("skipped", skipped).Msg("resynchronized")
	}
	return nil
}
