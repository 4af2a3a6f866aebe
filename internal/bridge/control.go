package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/observability"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/channel"
	"github.com/embarktrucks/applanix-driver/internal/protocol/frame"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

var (
	ErrAckTimeout      = errors.New("bridge: no acknowledgement")
	ErrRejected        = errors.New("bridge: command rejected")
	ErrNotCommand      = errors.New("bridge: message is not a command")
	ErrBadValue        = errors.New("bridge: invalid command value")
	ErrControlDisabled = errors.New("bridge: control port disabled")
	ErrTxnExhausted    = errors.New("bridge: every transaction number is awaiting an ack")
)

const (
	responseAccepted    = 1
	transactionField    = "transaction"
	defaultAckTimeout   = 2 * time.Second
	resultSendFailed    = "send_failed"
	resultAckTimeout    = "timeout"
	programAliveControl = 0
)

// Ack is a decoded Message 0 acknowledgement.
type Ack struct {
	Transaction  uint16 `json:"transaction"`
	ID           uint16 `json:"id"`
	ResponseCode uint16 `json:"response_code"`
	Response     string `json:"response"`
	ParamsStatus uint8  `json:"params_status"`
	ParamName    string `json:"param_name,omitempty"`
}

func (a Ack) Accepted() bool {
	return a.ResponseCode == responseAccepted
}

func ackFromMessage(m *message.Message) Ack {
	v := m.Values
	a := Ack{}
	a.Transaction, _ = v["transaction"].(uint16)
	a.ID, _ = v["id"].(uint16)
	a.ResponseCode, _ = v["response_code"].(uint16)
	a.ParamsStatus, _ = v["params_status"].(uint8)
	if name, ok := v["param_name"].([]byte); ok {
		a.ParamName = string(bytes.TrimRight(name, "\x00"))
	}
	a.Response = fmt.Sprintf("code_%d", a.ResponseCode)
	if spec, ok := m.Schema.Field("response_code"); ok {
		a.Response = spec.Label(a.ResponseCode)
	}
	return a
}

// ControlPort sends commands and matches acknowledgements to them by
// transaction number. Sends are serialized; the receive loop runs beside
// them on the same stream.
type ControlPort struct {
	port
	catalog    *catalog.Catalog
	sink       Sink
	ackTimeout time.Duration

	sendMu sync.Mutex
	txn    uint16

	mu      sync.Mutex
	pending map[uint16]chan Ack
}

func NewControlPort(name string, ch *channel.Channel, cat *catalog.Catalog, ackTimeout time.Duration, sink Sink) *ControlPort {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &ControlPort{
		port:       newPort(name, ch),
		catalog:    cat,
		sink:       sink,
		ackTimeout: ackTimeout,
		pending:    make(map[uint16]chan Ack),
	}
}

func (c *ControlPort) Stats() PortStats {
	return c.stats.snapshot()
}

// Send encodes one command without waiting for its acknowledgement and
// returns the transaction number it was given.
func (c *ControlPort) Send(id uint16, values message.Record) (uint16, error) {
	return c.send(id, values, nil)
}

// Command sends one command and waits for the matching acknowledgement.
// A rejected command returns the ack together with ErrRejected.
func (c *ControlPort) Command(ctx context.Context, id uint16, values message.Record) (Ack, error) {
	started := time.Now()
	wait := make(chan Ack, 1)
	txn, err := c.send(id, values, wait)
	if err != nil {
		observability.RecordCommand(id, resultSendFailed, 0)
		return Ack{}, err
	}
	defer c.forget(txn)

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-wait:
		observability.RecordCommand(id, ack.Response, time.Since(started))
		if !ack.Accepted() {
			return ack, fmt.Errorf("%w: %s (%s)", ErrRejected, ack.Response, ack.ParamName)
		}
		return ack, nil
	case <-timer.C:
		observability.RecordCommand(id, resultAckTimeout, 0)
		return Ack{}, fmt.Errorf("%w: message %d transaction %d after %s", ErrAckTimeout, id, txn, c.ackTimeout)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (c *ControlPort) send(id uint16, values message.Record, wait chan Ack) (uint16, error) {
	if id == catalog.MsgAck {
		return 0, fmt.Errorf("%w: %d", ErrNotCommand, id)
	}
	schema, err := c.catalog.Resolve(frame.MessageID(id))
	if err != nil {
		return 0, err
	}
	rec, err := resolveLabels(schema, values)
	if err != nil {
		return 0, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	txn, err := c.reserve(wait)
	if err != nil {
		return 0, err
	}
	if _, ok := schema.Field(transactionField); ok {
		rec[transactionField] = txn
	}
	if err := c.ch.Send(frame.Header{Kind: frame.KindMessage, ID: id}, message.New(schema, rec)); err != nil {
		c.forget(txn)
		return 0, err
	}
	log.Info().Str("port", c.name).Uint16("id", id).Uint16("transaction", txn).Msg("command sent")
	return txn, nil
}

// reserve advances the transaction counter past 0 and past numbers still
// awaiting an ack, and registers wait under the number it picks.
func (c *ControlPort) reserve(wait chan Ack) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < math.MaxUint16; i++ {
		c.txn++
		if c.txn == 0 {
			continue
		}
		if _, busy := c.pending[c.txn]; busy {
			continue
		}
		if wait != nil {
			c.pending[c.txn] = wait
		}
		return c.txn, nil
	}
	return 0, ErrTxnExhausted
}

// resolveLabels copies values, replacing enum labels given as strings with
// their numeric codes.
func resolveLabels(schema *message.Schema, values message.Record) (message.Record, error) {
	rec := make(message.Record, len(values)+1)
	for k, v := range values {
		label, isString := v.(string)
		spec, ok := schema.Field(k)
		if !isString || !ok || len(spec.Enum) == 0 {
			rec[k] = v
			continue
		}
		code, found := enumCode(spec.Enum, label)
		if !found {
			return nil, fmt.Errorf("%w: %s.%s has no value %q", ErrBadValue, schema.Name, k, label)
		}
		rec[k] = code
	}
	return rec, nil
}

func enumCode(enum map[uint64]string, label string) (uint64, bool) {
	for code, name := range enum {
		if name == label {
			return code, true
		}
	}
	return 0, false
}

func (c *ControlPort) forget(txn uint16) {
	c.mu.Lock()
	delete(c.pending, txn)
	c.mu.Unlock()
}

func (c *ControlPort) Run(ctx context.Context) error {
	return c.loop(ctx, c.dispatch)
}

func (c *ControlPort) dispatch(pkt channel.Packet) {
	if !pkt.Decoded() {
		if c.stats.firstUnhandled(pkt.ID) {
			log.Warn().Str("port", c.name).Str("id", pkt.ID.String()).Msg("unhandled packet")
		}
		return
	}
	if pkt.ID == frame.MessageID(catalog.MsgAck) {
		ack := ackFromMessage(pkt.Message)
		event := log.Info()
		if !ack.Accepted() {
			event = log.Warn()
		}
		event.Str("port", c.name).
			Uint16("id", ack.ID).
			Uint16("transaction", ack.Transaction).
			Str("response", ack.Response).
			Str("param", ack.ParamName).
			Msg("command acknowledged")

		c.mu.Lock()
		wait, ok := c.pending[ack.Transaction]
		c.mu.Unlock()
		if ok {
			select {
			case wait <- ack:
			default:
			}
		}
	}
	c.sink.Publish(Event{
		Port:    c.name,
		ID:      pkt.ID,
		Name:    pkt.Message.Schema.Name,
		Message: pkt.Message,
		At:      c.now(),
	})
}

// Keepalive sends "controller alive" program control messages every interval
// until ctx is done. Send failures are logged; the receive loop owns
// transport failure handling.
func (c *ControlPort) Keepalive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Send(catalog.MsgProgramControl, message.Record{"control": uint16(programAliveControl)}); err != nil {
				log.Warn().Str("port", c.name).Err(err).Msg("keepalive failed")
			}
		}
	}
}
