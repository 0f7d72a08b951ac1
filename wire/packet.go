// Package wire implements the on-the-wire packet format: a fixed header
// followed by zero or more encapsulated messages, packed and unpacked with
// the bits codec. See SPEC_FULL.md §3 and §4.2 for the field order and the
// per-message layout.
package wire

import (
	"errors"
	"fmt"

	"github.com/carterdugan/nbnet/bits"
)

// MessageTypeByteArray is the only message tag the core engine produces or
// accepts today; the tag field itself is preserved on the wire for forward
// compatibility (SPEC_FULL.md open question (a)).
const MessageTypeByteArray = 0

// Errors returned while parsing an incoming datagram. All are recovered
// locally by the caller (drop the datagram, bump a counter); none of them
// ever propagate as a process-ending condition.
var (
	ErrMalformedPacket   = errors.New("wire: malformed packet header")
	ErrProtocolMismatch  = errors.New("wire: protocol id mismatch")
	ErrTruncatedPacket   = errors.New("wire: packet truncated mid-message")
	ErrMessageTooLarge   = errors.New("wire: message exceeds MaxMessageBytes")
	ErrPacketFull        = errors.New("wire: packet cannot fit message without exceeding MTU")
)

// Message is the application-visible payload unit, tagged with the channel
// and sequence number it was sent on so the receiver can reconstruct
// per-channel ordering and the sender can map packet acks back to messages.
type Message struct {
	ChannelID uint8
	Sequence  uint16
	Type      uint8
	Payload   []byte
}

const (
	protocolIDBits = 32
	seqBits        = 16
	ackBits        = 16
	ackBitfieldW   = 32
	channelIDBits  = 8
	msgSeqBits     = 16
	msgTypeBits    = 8
	msgLenBits     = 16
	msgCountBits   = 8
)

// ReadProtocolID peeks the protocol id out of a raw datagram without
// mutating any session state, so foreign packets are cheap to reject before
// any further parsing happens.
func ReadProtocolID(data []byte) (uint32, error) {
	if len(data) < protocolIDBits/8 {
		return 0, ErrMalformedPacket
	}
	r := bits.NewReader(data)
	v, err := r.ReadBits(protocolIDBits)
	if err != nil {
		return 0, ErrMalformedPacket
	}
	return uint32(v), nil
}

// Packet is a single datagram's worth of header plus messages, either being
// built for send (write mode) or parsed after receipt (read mode).
type Packet struct {
	ProtocolID     uint32
	Sequence       uint16
	Ack            uint16
	AckBitfield    uint32
	IsKeepalive    bool
	MaxBytes       int
	MaxMessageLen  uint32
	cipher         bits.Cipher

	// write mode
	w        *bits.Writer
	messages []Message

	// read mode
	r        *bits.Reader
	msgCount int
	msgRead  int
}

// NewPacket returns a Packet configured with the engine's size limits. cipher
// may be nil.
func NewPacket(maxBytes int, maxMessageLen uint32, cipher bits.Cipher) *Packet {
	return &Packet{MaxBytes: maxBytes, MaxMessageLen: maxMessageLen, cipher: cipher}
}

// InitWrite begins assembling an outgoing packet with the given header
// fields. Call WriteMessage to append messages, then Finalize.
func (p *Packet) InitWrite(seqNum, ack uint16, ackBitfield uint32, protocolID uint32) {
	p.ProtocolID = protocolID
	p.Sequence = seqNum
	p.Ack = ack
	p.AckBitfield = ackBitfield
	p.messages = p.messages[:0]
	p.IsKeepalive = true
}

// WriteMessage attempts to append m to the packet. It returns false without
// mutating the packet if doing so would exceed MaxBytes; the caller is
// expected to emit the current packet and start a new one for m.
func (p *Packet) WriteMessage(m Message) (bool, error) {
	if len(m.Payload) > int(p.MaxMessageLen) {
		return false, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(m.Payload), p.MaxMessageLen)
	}
	trial := p.render(append(append([]Message{}, p.messages...), m))
	if len(trial) > p.MaxBytes {
		return false, nil
	}
	p.messages = append(p.messages, m)
	p.IsKeepalive = false
	return true, nil
}

// Messages returns the messages queued for write, or parsed so far in read
// mode.
func (p *Packet) Messages() []Message {
	return p.messages
}

func (p *Packet) render(msgs []Message) []byte {
	w := bits.NewWriter(p.MaxBytes)
	w.WriteBits(uint64(p.ProtocolID), protocolIDBits)
	w.WriteBits(uint64(p.Sequence), seqBits)
	w.WriteBits(uint64(p.Ack), ackBits)
	w.WriteBits(uint64(p.AckBitfield), ackBitfieldW)
	keepalive := len(msgs) == 0
	if keepalive {
		w.WriteBits(1, 1)
		return w.Flush()
	}
	w.WriteBits(0, 1)
	w.WriteBits(uint64(len(msgs)), msgCountBits)
	for _, m := range msgs {
		w.WriteBits(uint64(m.ChannelID), channelIDBits)
		w.WriteBits(uint64(m.Sequence), msgSeqBits)
		w.WriteBits(uint64(m.Type), msgTypeBits)
		w.WriteBits(uint64(len(m.Payload)), msgLenBits)
		for _, b := range m.Payload {
			w.WriteBits(uint64(b), 8)
		}
	}
	return w.Flush()
}

// Finalize seals the packet and returns the wire bytes, applying the cipher
// (if any) to everything after the fixed header.
func (p *Packet) Finalize() []byte {
	data := p.render(p.messages)
	if p.cipher == nil || len(p.messages) == 0 {
		return data
	}
	headerLen := (protocolIDBits + seqBits + ackBits + ackBitfieldW) / 8
	sealed := p.cipher.Seal(p.Sequence, data[headerLen:])
	out := make([]byte, 0, headerLen+len(sealed))
	out = append(out, data[:headerLen]...)
	out = append(out, sealed...)
	return out
}

// InitRead parses data as an incoming packet. The header is decoded eagerly;
// messages are pulled lazily via NextMessage. Returns ErrProtocolMismatch if
// the embedded protocol id does not match expectedProtocolID.
func (p *Packet) InitRead(data []byte, expectedProtocolID uint32) error {
	if len(data) < (protocolIDBits+seqBits+ackBits+ackBitfieldW)/8+1 {
		return ErrMalformedPacket
	}
	r := bits.NewReader(data)
	protoV, err := r.ReadBits(protocolIDBits)
	if err != nil {
		return ErrMalformedPacket
	}
	p.ProtocolID = uint32(protoV)
	if p.ProtocolID != expectedProtocolID {
		return ErrProtocolMismatch
	}
	seqV, err := r.ReadBits(seqBits)
	if err != nil {
		return ErrMalformedPacket
	}
	p.Sequence = uint16(seqV)
	ackV, err := r.ReadBits(ackBits)
	if err != nil {
		return ErrMalformedPacket
	}
	p.Ack = uint16(ackV)
	bitfieldV, err := r.ReadBits(ackBitfieldW)
	if err != nil {
		return ErrMalformedPacket
	}
	p.AckBitfield = uint32(bitfieldV)

	keepaliveV, err := r.ReadBits(1)
	if err != nil {
		return ErrMalformedPacket
	}
	p.IsKeepalive = keepaliveV == 1

	if p.cipher != nil && !p.IsKeepalive {
		headerLen := (protocolIDBits + seqBits + ackBits + ackBitfieldW) / 8
		plain, err := p.cipher.Open(p.Sequence, data[headerLen:])
		if err != nil {
			return fmt.Errorf("%w: cipher open failed", ErrMalformedPacket)
		}
		reassembled := make([]byte, 0, headerLen+len(plain))
		reassembled = append(reassembled, data[:headerLen]...)
		reassembled = append(reassembled, plain...)
		r = bits.NewReader(reassembled)
		if _, err := r.ReadBits(protocolIDBits + seqBits + ackBits + ackBitfieldW + 1); err != nil {
			return ErrMalformedPacket
		}
	}

	p.r = r
	p.msgRead = 0
	p.messages = nil
	if p.IsKeepalive {
		p.msgCount = 0
		return nil
	}
	countV, err := r.ReadBits(msgCountBits)
	if err != nil {
		return ErrTruncatedPacket
	}
	p.msgCount = int(countV)
	return nil
}

// NextMessage lazily pulls the next message from a packet initialized with
// InitRead. It returns (nil, nil) once every message has been consumed.
func (p *Packet) NextMessage() (*Message, error) {
	if p.r == nil || p.msgRead >= p.msgCount {
		return nil, nil
	}
	chV, err := p.r.ReadBits(channelIDBits)
	if err != nil {
		return nil, ErrTruncatedPacket
	}
	seqV, err := p.r.ReadBits(msgSeqBits)
	if err != nil {
		return nil, ErrTruncatedPacket
	}
	typeV, err := p.r.ReadBits(msgTypeBits)
	if err != nil {
		return nil, ErrTruncatedPacket
	}
	if typeV != MessageTypeByteArray {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedPacket, typeV)
	}
	lenV, err := p.r.ReadBits(msgLenBits)
	if err != nil {
		return nil, ErrTruncatedPacket
	}
	if uint32(lenV) > p.MaxMessageLen {
		return nil, ErrTruncatedPacket
	}
	payload := make([]byte, lenV)
	for i := range payload {
		b, err := p.r.ReadBits(8)
		if err != nil {
			return nil, ErrTruncatedPacket
		}
		payload[i] = byte(b)
	}
	m := &Message{
		ChannelID: uint8(chV),
		Sequence:  uint16(seqV),
		Type:      uint8(typeV),
		Payload:   payload,
	}
	p.msgRead++
	p.messages = append(p.messages, *m)
	return m, nil
}
