// Package replay serves a packet capture as a read-only transport stream.
//
// Every captured frame is decoded with gopacket; the transport-layer payloads
// are served in capture order, so a capture of the device's data feed
// replays as the same byte stream the live socket would have produced. A
// single Read never spans two captured packets.
package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

var (
	ErrReadOnly = errors.New("replay: stream is read-only")
	ErrClosed   = errors.New("replay: stream closed")
)

const pcapngMagic = 0x0A0D0D0A

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type options struct {
	port uint16
	pace time.Duration
}

type Option func(*options)

// WithPort keeps only packets whose source or destination port is port.
func WithPort(port uint16) Option {
	return func(o *options) { o.port = port }
}

// WithPace sleeps d before serving each captured packet, approximating a
// live feed.
func WithPace(d time.Duration) Option {
	return func(o *options) { o.pace = d }
}

// Stream replays captured payloads. Reads return io.EOF once the capture is
// exhausted; deadlines are accepted and ignored.
type Stream struct {
	payloads  [][]byte
	next      int
	cur       []byte
	remaining int
	pace      time.Duration
	closed    atomic.Bool
}

// Open loads a pcap or pcapng file.
func Open(path string, opts ...Option) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay open (%s): %w", path, err)
	}
	defer f.Close()
	s, err := FromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("replay load (%s): %w", path, err)
	}
	log.Info().Str("file", path).Int("packets", s.Packets()).Int("bytes", s.Remaining()).Msg("replay loaded")
	return s, nil
}

// FromReader loads a capture from r.
func FromReader(r io.Reader, opts ...Option) (*Stream, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	br := bufio.NewReader(r)
	src, err := newSource(br)
	if err != nil {
		return nil, err
	}

	s := &Stream{pace: o.pace}
	for {
		data, _, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		payload, ok := extract(data, src.LinkType(), o.port)
		if !ok {
			continue
		}
		s.payloads = append(s.payloads, bytes.Clone(payload))
		s.remaining += len(payload)
	}
	return s, nil
}

func newSource(br *bufio.Reader) (packetSource, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("replay: read capture magic: %w", err)
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func extract(data []byte, link layers.LinkType, port uint16) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tl := pkt.TransportLayer()
	if tl == nil {
		return nil, false
	}
	if port != 0 && !matchesPort(tl, port) {
		return nil, false
	}
	payload := tl.LayerPayload()
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

func matchesPort(tl gopacket.TransportLayer, port uint16) bool {
	switch l := tl.(type) {
	case *layers.UDP:
		return uint16(l.SrcPort) == port || uint16(l.DstPort) == port
	case *layers.TCP:
		return uint16(l.SrcPort) == port || uint16(l.DstPort) == port
	}
	return false
}

// Packets is the number of captured packets that contributed payload.
func (s *Stream) Packets() int {
	return len(s.payloads)
}

// Remaining is the number of bytes not yet read.
func (s *Stream) Remaining() int {
	return s.remaining
}

// Read serves the rest of the current packet, or the next packet after the
// configured pace.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.cur) == 0 {
		if s.next == len(s.payloads) {
			return 0, io.EOF
		}
		if s.pace > 0 {
			time.Sleep(s.pace)
		}
		s.cur = s.payloads[s.next]
		s.next++
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	s.remaining -= n
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	return 0, ErrReadOnly
}

func (s *Stream) SetReadDeadline(time.Time) error {
	return nil
}

func (s *Stream) Close() error {
	s.closed.Store(true)
	return nil
}
