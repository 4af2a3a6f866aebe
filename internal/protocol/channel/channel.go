// Package channel implements the packet-level protocol over one transport
// stream: framing, checksum verification, a polling receive step and a
// one-shot send.
//
// Reads go through a buffer sized for the largest legal packet. A read
// timeout never drops bytes: whatever arrived stays buffered and the next
// TryReceive resumes from the same packet boundary.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/embarktrucks/applanix-driver/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReadTimeout = time.Second

	// NoisyGroup is an undocumented group the device emits with no usable
	// layout. Its payload is always NoisyDrainLen bytes after the header.
	NoisyGroup    uint16 = 20015
	NoisyDrainLen        = 135
)

var ErrClosed = errors.New("channel: closed")

// PacketError scopes a protocol failure to one packet identity.
type PacketError struct {
	ID  frame.ID
	Err error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("packet %s: %v", e.ID, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// IsPacketError reports whether err concerns one packet and left the stream
// usable, as opposed to a transport failure.
func IsPacketError(err error) bool {
	var pe *PacketError
	return errors.As(err, &pe) || errors.Is(err, frame.ErrFraming)
}

// Packet is one received unit. Message is nil for group packets and for ids
// the catalog does not cover; Body then holds the padded body without the
// footer.
type Packet struct {
	ID      frame.ID
	Body    []byte
	Message *message.Message
}

func (p Packet) Decoded() bool {
	return p.Message != nil
}

type Option func(*Channel)

// WithReadTimeout bounds each receive attempt. Zero disables deadlines.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithName labels log lines from this channel.
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

// Channel owns one stream. TryReceive must be called from a single goroutine;
// Send may run concurrently with it but callers serialize their own sends.
type Channel struct {
	stream  transport.Stream
	rd      *bufio.Reader
	catalog *catalog.Catalog
	timeout time.Duration
	name    string
	closed  atomic.Bool
}

// Open wraps stream. A nil catalog leaves every packet undecoded.
func Open(stream transport.Stream, cat *catalog.Catalog, opts ...Option) *Channel {
	c := &Channel{
		stream:  stream,
		rd:      bufio.NewReaderSize(stream, frame.MaxPacketLen),
		catalog: cat,
		timeout: DefaultReadTimeout,
		name:    "channel",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string {
	return c.name
}

// TryReceive attempts to read one packet. It reports ok=false with a nil
// error when the read timed out or a noisy packet was drained. Protocol
// failures are returned as errors and consume the packet, except a bad start
// literal which consumes one byte; the channel stays usable. Transport failures, io.EOF included, are returned
// unwrapped enough for errors.Is.
func (c *Channel) TryReceive() (Packet, bool, error) {
	if c.closed.Load() {
		return Packet{}, false, ErrClosed
	}
	if err := c.arm(); err != nil {
		return Packet{}, false, err
	}

	hb, err := c.peek(frame.HeaderLen)
	if err != nil {
		return Packet{}, false, idle(err)
	}
	h, err := frame.DecodeHeader(hb)
	if err != nil {
		// Only the first byte is known bad; a start literal may begin inside
		// the rest of the peeked header.
		c.discard(1)
		return Packet{}, false, err
	}
	id := h.Identity()

	if id == frame.GroupID(NoisyGroup) {
		if _, err := c.peek(frame.HeaderLen + NoisyDrainLen); err != nil {
			return Packet{}, false, idle(err)
		}
		c.discard(frame.HeaderLen + NoisyDrainLen)
		log.Trace().Str("channel", c.name).Msg("channel.TryReceive drained noisy group")
		return Packet{}, false, nil
	}

	if err := frame.CheckLength(h); err != nil {
		c.discard(frame.HeaderLen)
		return Packet{}, false, &PacketError{ID: id, Err: err}
	}

	total := frame.HeaderLen + int(h.Length)
	raw, err := c.peek(total)
	if err != nil {
		return Packet{}, false, idle(err)
	}
	defer c.discard(total)

	if _, err := frame.DecodeFooter(raw); err != nil {
		return Packet{}, false, &PacketError{ID: id, Err: err}
	}
	if err := frame.Verify(raw); err != nil {
		return Packet{}, false, &PacketError{ID: id, Err: err}
	}

	body := make([]byte, h.BodyLen())
	copy(body, raw[frame.HeaderLen:total-frame.FooterLen])
	pkt := Packet{ID: id, Body: body}

	if id.Kind != frame.KindMessage {
		return pkt, true, nil
	}
	schema, ok := c.catalog.Lookup(id)
	if !ok {
		return pkt, true, nil
	}
	m, err := Decode(body, schema)
	if err != nil {
		return Packet{}, false, &PacketError{ID: id, Err: err}
	}
	pkt.Message = m
	return pkt, true, nil
}

// Decode deserializes a padded body and requires the schema to account for
// every byte up to the 4-byte boundary.
func Decode(body []byte, schema *message.Schema) (*message.Message, error) {
	m, n, err := message.Deserialize(body, schema)
	if err != nil {
		return nil, err
	}
	if message.Pad4(n) != len(body) {
		return nil, fmt.Errorf("%w: %s decodes %d bytes, body carries %d",
			message.ErrTruncatedMessage, schema.Name, n, len(body))
	}
	return m, nil
}

// Send encodes m under header's kind and id and writes the packet in one
// call. header.Length is ignored and recomputed.
func (c *Channel) Send(header frame.Header, m *message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	body, err := message.Serialize(m)
	if err != nil {
		return err
	}
	pkt, err := frame.Encode(header.Kind, header.ID, body)
	if err != nil {
		return err
	}
	n, err := c.stream.Write(pkt)
	if err != nil {
		return fmt.Errorf("channel send %s: %w", header.Identity(), err)
	}
	if n != len(pkt) {
		return fmt.Errorf("channel send %s: %w", header.Identity(), io.ErrShortWrite)
	}
	log.Debug().
		Str("channel", c.name).
		Str("id", header.Identity().String()).
		Int("bytes", n).
		Msg("channel.Send")
	return nil
}

// Resync discards bytes until a start literal heads the stream. found is
// false when the read timed out first; the skipped bytes stay consumed.
func (c *Channel) Resync() (skipped int, found bool, err error) {
	if c.closed.Load() {
		return 0, false, ErrClosed
	}
	if err := c.arm(); err != nil {
		return 0, false, err
	}
	for {
		b, err := c.peek(len(frame.StartGroup))
		if err != nil {
			return skipped, false, idle(err)
		}
		if _, ok := frame.KindOf(b); ok {
			if skipped > 0 {
				log.Debug().Str("channel", c.name).Int("skipped", skipped).Msg("channel.Resync")
			}
			return skipped, true, nil
		}
		c.discard(1)
		skipped++
	}
}

// Close closes the stream. Callers stop their receive loop first.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.stream.Close()
}

func (c *Channel) arm() error {
	if c.timeout <= 0 {
		return nil
	}
	if err := c.stream.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("channel deadline: %w", err)
	}
	return nil
}

func (c *Channel) peek(n int) ([]byte, error) {
	b, err := c.rd.Peek(n)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, io.EOF) && len(b) > 0 {
		return nil, fmt.Errorf("%s: %w after %d of %d bytes", c.name, io.ErrUnexpectedEOF, len(b), n)
	}
	return nil, err
}

func (c *Channel) discard(n int) {
	_, _ = c.rd.Discard(n)
}

// idle maps a read timeout to the no-packet result.
func idle(err error) error {
	if transport.IsTimeout(err) {
		return nil
	}
	return err
}
