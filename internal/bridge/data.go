package bridge

import (
	"context"

	"github.com/embarktrucks/applanix-driver/internal/observability"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/channel"
	"github.com/rs/zerolog/log"
)

// DataPort reads the device's group feed and configuration echoes.
// Groups are decoded here with the catalog; the channel leaves them raw.
type DataPort struct {
	port
	all    *catalog.Catalog
	active *catalog.Catalog
	sink   Sink
}

// NewDataPort decodes with cat minus the excluded categories. Packets of an
// excluded category are counted and dropped without a warning.
func NewDataPort(name string, ch *channel.Channel, cat *catalog.Catalog, exclude []string, sink Sink) *DataPort {
	return &DataPort{
		port:   newPort(name, ch),
		all:    cat,
		active: cat.Without(exclude...),
		sink:   sink,
	}
}

func (p *DataPort) Run(ctx context.Context) error {
	return p.loop(ctx, p.dispatch)
}

func (p *DataPort) Stats() PortStats {
	return p.stats.snapshot()
}

func (p *DataPort) dispatch(pkt channel.Packet) {
	m := pkt.Message
	if m == nil {
		schema, ok := p.active.Lookup(pkt.ID)
		if !ok {
			if _, known := p.all.Lookup(pkt.ID); known {
				return
			}
			if p.stats.firstUnhandled(pkt.ID) {
				log.Warn().Str("port", p.name).Str("id", pkt.ID.String()).Msg("unhandled packet")
			}
			return
		}
		decoded, err := channel.Decode(pkt.Body, schema)
		if err != nil {
			kind := failureKind(err)
			p.stats.fail(kind)
			observability.RecordReceiveError(p.name, kind)
			if p.stats.firstBad(pkt.ID) {
				log.Warn().Str("port", p.name).Str("id", pkt.ID.String()).Err(err).Msg("error parsing packet")
			}
			return
		}
		m = decoded
	}
	p.sink.Publish(Event{
		Port:    p.name,
		ID:      pkt.ID,
		Name:    m.Schema.Name,
		Message: m,
		At:      p.now(),
	})
}
