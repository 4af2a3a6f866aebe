package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	HeaderLen = 8
	FooterLen = 4

	StartGroup   = "$GRP"
	StartMessage = "$MSG"
	End          = "$#"

	// MaxPacketLen bounds header plus the largest length field value.
	MaxPacketLen = HeaderLen + math.MaxUint16
)

var (
	ErrFraming   = errors.New("frame: framing error")
	ErrChecksum  = errors.New("frame: checksum mismatch")
	ErrUnaligned = errors.New("frame: checksum input not a multiple of 4 bytes")
	ErrTooLarge  = errors.New("frame: packet exceeds length field")
)

var order = binary.LittleEndian

// Kind is the framing flavour selected by the start literal.
type Kind uint8

const (
	KindGroup Kind = iota + 1
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return StartGroup
	case KindMessage:
		return StartMessage
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindOf maps a start literal to its kind.
func KindOf(start []byte) (Kind, bool) {
	switch string(start) {
	case StartGroup:
		return KindGroup, true
	case StartMessage:
		return KindMessage, true
	}
	return 0, false
}

// ID identifies how a packet body is interpreted.
type ID struct {
	Kind Kind
	Num  uint16
}

func GroupID(num uint16) ID   { return ID{Kind: KindGroup, Num: num} }
func MessageID(num uint16) ID { return ID{Kind: KindMessage, Num: num} }

func (id ID) String() string {
	return fmt.Sprintf("%s.%d", id.Kind, id.Num)
}

// Header is the fixed wire header. Length counts the bytes that follow the
// header: padded body plus footer.
type Header struct {
	Kind   Kind
	ID     uint16
	Length uint16
}

func (h Header) Identity() ID {
	return ID{Kind: h.Kind, Num: h.ID}
}

// BodyLen is the padded body length implied by Length.
func (h Header) BodyLen() int {
	return int(h.Length) - FooterLen
}

// Footer is the fixed wire trailer.
type Footer struct {
	Checksum uint16
	End      [2]byte
}

func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.Kind.String()...)
	dst = order.AppendUint16(dst, h.ID)
	return order.AppendUint16(dst, h.Length)
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderLen), h)
}

// DecodeHeader parses a header and checks its start literal and length.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header length %d", ErrFraming, len(b))
	}
	kind, ok := KindOf(b[0:4])
	if !ok {
		return Header{}, fmt.Errorf("%w: bad start %q", ErrFraming, b[0:4])
	}
	h := Header{
		Kind:   kind,
		ID:     order.Uint16(b[4:6]),
		Length: order.Uint16(b[6:8]),
	}
	return h, nil
}

// CheckLength rejects length fields that cannot describe a word-aligned packet.
func CheckLength(h Header) error {
	if int(h.Length) < FooterLen {
		return fmt.Errorf("%w: %s length %d shorter than footer", ErrFraming, h.Identity(), h.Length)
	}
	if (HeaderLen+int(h.Length))%4 != 0 {
		return fmt.Errorf("%w: %s length %d not word aligned", ErrFraming, h.Identity(), h.Length)
	}
	return nil
}

func AppendFooter(dst []byte, f Footer) []byte {
	dst = order.AppendUint16(dst, f.Checksum)
	return append(dst, f.End[:]...)
}

// DecodeFooter parses the trailing FooterLen bytes of b.
func DecodeFooter(b []byte) (Footer, error) {
	if len(b) < FooterLen {
		return Footer{}, fmt.Errorf("%w: short footer", ErrFraming)
	}
	tail := b[len(b)-FooterLen:]
	f := Footer{Checksum: order.Uint16(tail[0:2])}
	copy(f.End[:], tail[2:4])
	if string(f.End[:]) != End {
		return Footer{}, fmt.Errorf("%w: bad end %q", ErrFraming, f.End[:])
	}
	return f, nil
}

// Checksum sums b as little-endian 16-bit words, two per 4-byte group,
// modulo 65536. Signed and unsigned readings give the same modular sum.
func Checksum(b []byte) (uint16, error) {
	if len(b)%4 != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrUnaligned, len(b))
	}
	var sum uint16
	for i := 0; i < len(b); i += 4 {
		sum += order.Uint16(b[i:i+2]) + order.Uint16(b[i+2:i+4])
	}
	return sum, nil
}

// Verify checks that a complete packet sums to zero.
func Verify(packet []byte) error {
	sum, err := Checksum(packet)
	if err != nil {
		return err
	}
	if sum != 0 {
		return fmt.Errorf("%w: residual %d", ErrChecksum, sum)
	}
	return nil
}

// Encode assembles header, zero-padded body and footer into one packet and
// patches the checksum field in place so the whole packet sums to zero.
func Encode(kind Kind, id uint16, body []byte) ([]byte, error) {
	padded := (len(body) + 3) &^ 3
	length := padded + FooterLen
	if length > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}
	h := Header{Kind: kind, ID: id, Length: uint16(length)}

	buf := make([]byte, 0, HeaderLen+length)
	buf = AppendHeader(buf, h)
	buf = append(buf, body...)
	buf = append(buf, make([]byte, padded-len(body))...)
	footerAt := len(buf)
	buf = AppendFooter(buf, Footer{End: [2]byte{End[0], End[1]}})

	sum, err := Checksum(buf)
	if err != nil {
		return nil, err
	}
	order.PutUint16(buf[footerAt:footerAt+2], -sum)
	return buf, nil
}
