package bridge

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/config"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/channel"
	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/embarktrucks/applanix-driver/internal/testutil/testlog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

var (
	navLite = &message.Schema{Name: "nav", Fields: []field.Spec{
		{Name: "latitude", Type: field.TypeFloat64},
		{Name: "alignment_status", Type: field.TypeUint8},
	}}
	imuLite = &message.Schema{Name: "raw/imu", Fields: []field.Spec{
		{Name: "imu_status", Type: field.TypeUint8},
	}}
	echo = &message.Schema{Name: "test/echo", Fields: []field.Spec{
		{Name: "value", Type: field.TypeUint32},
	}}
	testCatalog = catalog.MustNew(
		catalog.Entry{ID: frame.GroupID(1), Schema: navLite},
		catalog.Entry{ID: frame.GroupID(4), Schema: imuLite},
		catalog.Entry{ID: frame.MessageID(2), Schema: echo},
	)
)

type memStream struct {
	*bytes.Reader
	closed atomic.Bool
}

func newMemStream(b []byte) *memStream {
	return &memStream{Reader: bytes.NewReader(b)}
}

func (m *memStream) Write([]byte) (int, error)       { return 0, errors.New("read-only") }
func (m *memStream) SetReadDeadline(time.Time) error { return nil }
func (m *memStream) Close() error {
	m.closed.Store(true)
	return nil
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Name)
	}
	return out
}

func encodePacket(t *testing.T, kind frame.Kind, id uint16, schema *message.Schema, rec message.Record) []byte {
	t.Helper()
	body, err := message.Serialize(message.New(schema, rec))
	require.NoError(t, err)
	pkt, err := frame.Encode(kind, id, body)
	require.NoError(t, err)
	return pkt
}

func TestRunDispatchesFeedAndCompletesReplay(t *testing.T) {
	testlog.Start(t)

	corrupt := encodePacket(t, frame.KindGroup, 1, navLite, message.Record{"latitude": 1.0})
	corrupt[frame.HeaderLen+1] ^= 0xff
	noisy := append(frame.EncodeHeader(frame.Header{Kind: frame.KindGroup, ID: channel.NoisyGroup}), make([]byte, channel.NoisyDrainLen)...)

	feed := bytes.Join([][]byte{
		encodePacket(t, frame.KindGroup, 1, navLite, message.Record{"latitude": 49.5, "alignment_status": uint8(0)}),
		encodePacket(t, frame.KindGroup, 4, imuLite, message.Record{"imu_status": uint8(1)}),
		encodePacket(t, frame.KindGroup, 77, imuLite, nil),
		encodePacket(t, frame.KindGroup, 77, imuLite, nil),
		corrupt,
		noisy,
		encodePacket(t, frame.KindMessage, 2, echo, message.Record{"value": uint32(5)}),
	}, nil)

	stream := newMemStream(feed)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, stream))

	sink := &collector{}
	b, err := New(reg, Options{
		Catalog: testCatalog,
		Exclude: []string{catalog.CategoryRaw},
		Replay:  true,
		Sinks:   []Sink{sink},
	})
	require.NoError(t, err)
	require.NoError(t, b.Run(context.Background()))
	require.True(t, stream.closed.Load(), "streams close after the loops stop")

	require.Equal(t, []string{"nav", "test/echo"}, sink.names())

	stats := b.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, map[string]uint64{
		"$GRP.1":  1,
		"$GRP.4":  1,
		"$GRP.77": 2,
		"$MSG.2":  1,
	}, stats[0].Packets)
	require.Equal(t, map[string]uint64{FailChecksum: 1}, stats[0].Errors)
	require.Equal(t, []string{"$GRP.77"}, stats[0].Unhandled)

	latest := b.Messages()
	require.Contains(t, latest, "nav")
	require.Equal(t, 49.5, latest["nav"].Values["latitude"])
	require.Equal(t, "$MSG.2", latest["test/echo"].ID)
}

func TestRunReportsEndOfLiveStream(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream(nil)))
	b, err := New(reg, Options{Catalog: testCatalog})
	require.NoError(t, err)

	err = b.Run(context.Background())
	require.ErrorIs(t, err, ErrStreamEnded)
}

func TestRunResynchronizesAfterGarbage(t *testing.T) {
	testlog.Start(t)
	feed := append([]byte("noise!!!abc"), encodePacket(t, frame.KindGroup, 1, navLite, nil)...)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream(feed)))
	sink := &collector{}
	b, err := New(reg, Options{Catalog: testCatalog, Replay: true, Sinks: []Sink{sink}})
	require.NoError(t, err)

	require.NoError(t, b.Run(context.Background()))
	require.Equal(t, []string{"nav"}, sink.names())
	require.Equal(t, uint64(1), b.Stats()[0].Errors[FailFraming])
}

func TestRunKeepsPacketAfterShortGarbage(t *testing.T) {
	testlog.Start(t)
	feed := bytes.Join([][]byte{
		[]byte("abc"),
		encodePacket(t, frame.KindGroup, 1, navLite, message.Record{"latitude": 1.0}),
		encodePacket(t, frame.KindGroup, 1, navLite, message.Record{"latitude": 2.0}),
	}, nil)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream(feed)))
	sink := &collector{}
	b, err := New(reg, Options{Catalog: testCatalog, Replay: true, Sinks: []Sink{sink}})
	require.NoError(t, err)

	require.NoError(t, b.Run(context.Background()))
	require.Equal(t, []string{"nav", "nav"}, sink.names())
	require.Equal(t, 1.0, sink.events[0].Message.Values["latitude"])
	require.Equal(t, uint64(2), b.Stats()[0].Packets["$GRP.1"])
}

func TestReplayEndingInsidePacketCompletes(t *testing.T) {
	testlog.Start(t)
	feed := append(encodePacket(t, frame.KindGroup, 1, navLite, message.Record{"latitude": 3.0}), "$GR"...)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream(feed)))
	sink := &collector{}
	b, err := New(reg, Options{Catalog: testCatalog, Replay: true, Sinks: []Sink{sink}})
	require.NoError(t, err)

	require.NoError(t, b.Run(context.Background()))
	require.Equal(t, []string{"nav"}, sink.names())

	reg = NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream([]byte("$GRP\x01"))))
	b, err = New(reg, Options{Catalog: testCatalog})
	require.NoError(t, err)
	require.ErrorIs(t, b.Run(context.Background()), ErrStreamEnded)
}

func TestNewRequiresDataStream(t *testing.T) {
	_, err := New(NewRegistry(), Options{})
	require.ErrorIs(t, err, ErrNoDataStream)
}

// device answers every command it receives with response code, or stays
// silent when code is zero.
func device(conn net.Conn, code uint16, got chan<- *message.Message) {
	cat := catalog.Default()
	ackSchema, _ := cat.Lookup(frame.MessageID(catalog.MsgAck))
	ch := channel.Open(conn, cat, channel.WithReadTimeout(50*time.Millisecond))
	for {
		pkt, ok, err := ch.TryReceive()
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		got <- pkt.Message
		if code == 0 {
			continue
		}
		ack := message.New(ackSchema, message.Record{
			"transaction":   pkt.Message.Values["transaction"],
			"id":            pkt.ID.Num,
			"response_code": code,
			"param_name":    "mode",
		})
		if err := ch.Send(frame.Header{Kind: frame.KindMessage, ID: catalog.MsgAck}, ack); err != nil {
			return
		}
	}
}

type controlRig struct {
	bridge  *Bridge
	got     chan *message.Message
	cancel  context.CancelFunc
	done    chan error
	closers []net.Conn
}

func startControlRig(t *testing.T, code uint16, ackTimeout time.Duration) *controlRig {
	t.Helper()
	dataLocal, dataPeer := net.Pipe()
	ctlLocal, ctlPeer := net.Pipe()

	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, dataLocal))
	require.NoError(t, reg.Add(StreamControl, ctlLocal))

	b, err := New(reg, Options{ReadTimeout: 20 * time.Millisecond, AckTimeout: ackTimeout})
	require.NoError(t, err)

	rig := &controlRig{
		bridge:  b,
		got:     make(chan *message.Message, 4),
		done:    make(chan error, 1),
		closers: []net.Conn{dataPeer, ctlPeer},
	}
	go device(ctlPeer, code, rig.got)

	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	go func() { rig.done <- b.Run(ctx) }()
	require.Eventually(t, func() bool { return b.Health().Running }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		for _, c := range rig.closers {
			_ = c.Close()
		}
	})
	return rig
}

func (r *controlRig) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not stop")
	}
}

func TestCommandAcknowledged(t *testing.T) {
	testlog.Start(t)
	rig := startControlRig(t, 1, 2*time.Second)

	ack, err := rig.bridge.Command(context.Background(), catalog.MsgNavModeControl, message.Record{"mode": "navigate"})
	require.NoError(t, err)
	require.True(t, ack.Accepted())
	require.Equal(t, "accepted", ack.Response)
	require.Equal(t, uint16(1), ack.Transaction)
	require.Equal(t, catalog.MsgNavModeControl, ack.ID)
	require.Equal(t, "mode", ack.ParamName)

	sent := <-rig.got
	require.Equal(t, "control/nav_mode", sent.Schema.Name)
	require.Equal(t, uint8(2), sent.Values["mode"])
	require.Equal(t, uint16(1), sent.Values["transaction"])

	rig.stop(t)
	require.Equal(t, uint64(1), rig.bridge.Stats()[1].Packets["$MSG.0"])
	require.Contains(t, rig.bridge.Messages(), "ack")
}

func TestCommandRejected(t *testing.T) {
	testlog.Start(t)
	rig := startControlRig(t, 9, 2*time.Second)

	ack, err := rig.bridge.Command(context.Background(), catalog.MsgSaveRestore, message.Record{"control": "save"})
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, "rejected_not_allowed", ack.Response)
	rig.stop(t)
}

func TestCommandTimesOut(t *testing.T) {
	testlog.Start(t)
	rig := startControlRig(t, 0, 50*time.Millisecond)

	_, err := rig.bridge.Command(context.Background(), catalog.MsgProgramControl, message.Record{"control": uint16(0)})
	require.ErrorIs(t, err, ErrAckTimeout)
	<-rig.got
	rig.stop(t)
}

func TestCommandValidation(t *testing.T) {
	testlog.Start(t)
	rig := startControlRig(t, 1, time.Second)
	ctx := context.Background()

	_, err := rig.bridge.Command(ctx, catalog.MsgAck, nil)
	require.ErrorIs(t, err, ErrNotCommand)

	_, err = rig.bridge.Command(ctx, 4242, nil)
	require.ErrorIs(t, err, message.ErrUnknownSchema)

	_, err = rig.bridge.Command(ctx, catalog.MsgNavModeControl, message.Record{"mode": "sideways"})
	require.ErrorIs(t, err, ErrBadValue)

	_, err = rig.bridge.Command(ctx, catalog.MsgNavModeControl, message.Record{"mode": []any{1}})
	require.ErrorIs(t, err, field.ErrTypeMismatch)
	rig.stop(t)
}

func TestTransactionNumbersSkipZeroAndInFlight(t *testing.T) {
	testlog.Start(t)
	cp := NewControlPort(StreamControl, nil, catalog.Default(), 0, fanout{})
	inFlight := make(chan Ack, 1)
	cp.pending[1] = inFlight

	cp.txn = math.MaxUint16 - 1
	txn, err := cp.reserve(nil)
	require.NoError(t, err)
	require.Equal(t, uint16(math.MaxUint16), txn)

	wait := make(chan Ack, 1)
	txn, err = cp.reserve(wait)
	require.NoError(t, err)
	require.Equal(t, uint16(2), txn, "wraps past 0 and the pending 1")
	require.Equal(t, wait, cp.pending[2])
	require.Equal(t, inFlight, cp.pending[1])

	for n := 1; n <= math.MaxUint16; n++ {
		cp.pending[uint16(n)] = wait
	}
	_, err = cp.reserve(nil)
	require.ErrorIs(t, err, ErrTxnExhausted)
}

func TestCommandWithoutControlPort(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	require.NoError(t, reg.Add(StreamData, newMemStream(nil)))
	b, err := New(reg, Options{Catalog: testCatalog})
	require.NoError(t, err)

	_, err = b.Command(context.Background(), catalog.MsgNavModeControl, nil)
	require.ErrorIs(t, err, ErrControlDisabled)
	require.False(t, b.Health().Control)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a, b := newMemStream(nil), newMemStream(nil)
	require.NoError(t, reg.Add("a", a))
	require.NoError(t, reg.Add("b", b))
	require.ErrorIs(t, reg.Add("a", b), ErrDuplicateStream)
	require.Equal(t, []string{"a", "b"}, reg.Names())

	require.NoError(t, reg.CloseAll())
	require.True(t, a.closed.Load())
	require.True(t, b.closed.Load())
	require.Empty(t, reg.Names())
}

func TestConnectReplaysCapture(t *testing.T) {
	testlog.Start(t)
	events, _ := catalog.Default().Lookup(frame.GroupID(catalog.GroupEvent1))
	pkt := encodePacket(t, frame.KindGroup, catalog.GroupEvent1, events, message.Record{"pulse_number": uint32(12)})

	path := filepath.Join(t.TempDir(), "feed.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, chunk := range [][]byte{pkt[:10], pkt[10:]} {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(192, 168, 53, 100), DstIP: net.IPv4(192, 168, 53, 1)}
		udp := &layers.UDP{SrcPort: config.PortRealtime, DstPort: 40000}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			&layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4},
			ip, udp, gopacket.Payload(chunk)))
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}, buf.Bytes()))
	}
	require.NoError(t, f.Close())

	cfg := config.DefaultConfig()
	cfg.Replay.PcapFile = path
	cfg.Device.Control = false
	cfg.Timing.MonitorInterval = config.Duration{}

	b, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, []string{StreamData}, b.Health().Streams)
	require.NoError(t, b.Run(context.Background()))

	got := b.Messages()["events/1"]
	require.Equal(t, uint32(12), got.Values["pulse_number"])
}
