// Package conn implements the per-peer connection: packet-level sequencing
// and acks, RTT estimation, keepalive, timeout, and the
// Connecting/Connected/Closed state machine that sits above the channel
// engine. See SPEC_FULL.md §4.4.
package conn

import (
	"time"

	"github.com/carterdugan/nbnet/bits"
	"github.com/carterdugan/nbnet/channel"
	"github.com/carterdugan/nbnet/nbnetmetrics"
	"github.com/carterdugan/nbnet/seq"
	"github.com/carterdugan/nbnet/wire"
)

// State is the connection's position in the lifecycle state machine
// (SPEC_FULL.md §4.4 table).
type State int

const (
	Connecting State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is raised by Connection.Tick/OnPacket for the owning endpoint to
// translate into a host-facing event.
type Event int

const (
	NoEvent Event = iota
	EventConnected
	EventConnectionFailed
	EventDisconnectedTimeout
	EventDisconnectedLocal
)

// ackHistoryDepth is the number of recently-sent packets whose
// (channel,message) manifest we keep, so an incoming ack bitfield can be
// mapped back to message-level acks. Sized generously above the 32-bit ack
// window so a burst of unacked sends doesn't silently lose its manifest.
const ackHistoryDepth = 256

type sendRecord struct {
	used     bool
	acked    bool
	sequence uint16
	sentAt   time.Time
	carried  []carriedMessage
}

type carriedMessage struct {
	channelID uint8
	sequence  uint16
}

// Config bundles the tunables SPEC_FULL.md §6 enumerates for a connection.
type Config struct {
	ProtocolID        uint32
	MaxPacketBytes    int
	MaxMessageBytes   uint32
	KeepaliveInterval time.Duration
	ConnectionTimeout time.Duration // 0 disables timeout detection
	RTTAlpha          float64       // EWMA smoothing constant, default 0.05
	FixedResendDelay  time.Duration // 0 = dynamic 2*RTT + 4*RTTVar + 10ms
	Cipher            bits.Cipher   // optional payload encryption, may be nil
}

// Connection aggregates the channels for a single peer.
type Connection struct {
	cfg   Config
	state State

	localSeq uint16

	haveLatestPeerSeq bool
	latestPeerSeq     uint16
	peerAckBitfield   uint32

	sendHistory [ackHistoryDepth]sendRecord

	rttEstimate time.Duration
	rttVariance time.Duration
	haveRTT     bool

	lastRecvTime time.Time
	lastSendTime time.Time

	channels   []channel.Channel
	rrCursor   int
}

// New returns a Connecting-state connection ready to have channels attached.
func New(cfg Config, now time.Time) *Connection {
	if cfg.RTTAlpha == 0 {
		cfg.RTTAlpha = 0.05
	}
	return &Connection{
		cfg:          cfg,
		state:        Connecting,
		lastRecvTime: now,
		lastSendTime: now,
	}
}

// AddChannel attaches a channel to the round-robin send rotation.
func (c *Connection) AddChannel(ch channel.Channel) {
	c.channels = append(c.channels, ch)
}

// Channel returns the channel with the given id, or nil.
func (c *Connection) Channel(id uint8) channel.Channel {
	for _, ch := range c.channels {
		if ch.ID() == id {
			return ch
		}
	}
	return nil
}

func (c *Connection) State() State { return c.state }

// ResendDelay returns the current retransmission delay: the configured fixed
// override, or the dynamic 2*RTT + 4*RTTVar + 10ms default (200ms until the
// first RTT sample arrives).
func (c *Connection) ResendDelay() time.Duration {
	if c.cfg.FixedResendDelay > 0 {
		return c.cfg.FixedResendDelay
	}
	if !c.haveRTT {
		return 200 * time.Millisecond
	}
	return 2*c.rttEstimate + 4*c.rttVariance + 10*time.Millisecond
}

// RTT returns the current smoothed round-trip time estimate.
func (c *Connection) RTT() time.Duration { return c.rttEstimate }

// Close transitions the connection to Closed for a local, explicit
// disconnect.
func (c *Connection) Close() {
	c.state = Closed
}

// updateRecvBitfield implements spec.md §4.4's packet-level ack bookkeeping:
// shift-and-set on a newer sequence, set-bit-at-offset otherwise.
func (c *Connection) updateRecvBitfield(s uint16) {
	if !c.haveLatestPeerSeq {
		c.haveLatestPeerSeq = true
		c.latestPeerSeq = s
		c.peerAckBitfield = 0
		return
	}
	if seq.GreaterThan16(s, c.latestPeerSeq) {
		distance := seq.Distance16(s, c.latestPeerSeq)
		if distance > 0 && distance <= 32 {
			c.peerAckBitfield <<= uint(distance)
			c.peerAckBitfield |= 1 << uint(distance-1)
		} else {
			c.peerAckBitfield = 0
		}
		c.latestPeerSeq = s
		return
	}
	offset := seq.Distance16(c.latestPeerSeq, s)
	if offset > 0 && offset <= 32 {
		c.peerAckBitfield |= 1 << uint(offset-1)
	}
}

// OnPacket processes one parsed incoming packet: advances the recv ack
// history, applies the incoming ack header to local send history/channels,
// dispatches payload messages to channels, and runs the connection-state
// transition for "first valid packet from peer". Returns the messages now
// ready for delivery, keyed by channel id, and any lifecycle event raised.
func (c *Connection) OnPacket(p *wire.Packet, now time.Time) (delivered map[uint8][][]byte, evt Event) {
	wasConnecting := c.state == Connecting
	c.lastRecvTime = now
	c.updateRecvBitfield(p.Sequence)
	c.processAckHeader(p.Ack, p.AckBitfield, now)

	delivered = make(map[uint8][][]byte)
	byChannel := map[uint8][]wire.Message{}
	for {
		m, err := p.NextMessage()
		if err != nil || m == nil {
			break
		}
		byChannel[m.ChannelID] = append(byChannel[m.ChannelID], *m)
	}
	for chID, msgs := range byChannel {
		ch := c.Channel(chID)
		if ch == nil {
			continue
		}
		delivered[chID] = append(delivered[chID], ch.OnPacketMessages(msgs)...)
	}

	if wasConnecting && c.state == Connecting {
		c.state = Connected
		evt = EventConnected
	}
	return delivered, evt
}

// processAckHeader applies an incoming (ack, bitfield) header, per spec.md
// §4.4: idempotent, RTT update on first-seen acks, message-level ack
// delivery to channels.
func (c *Connection) processAckHeader(ack uint16, bitfield uint32, now time.Time) {
	c.ackIfNew(ack, now)
	for i := uint(0); i < 32; i++ {
		if bitfield&(1<<i) == 0 {
			continue
		}
		acked := ack - uint16(i+1)
		c.ackIfNew(acked, now)
	}
}

// ackIfNew processes packetSeq the first time it is acked. Acked state lives
// on the sendHistory slot itself (rec.acked), not a separate epoch-wide set:
// the slot is overwritten by Tick each time its sequence number comes back
// around after a 2^16 wrap, so dedup naturally stays correct across wraps
// instead of permanently remembering a sequence from a prior epoch.
func (c *Connection) ackIfNew(packetSeq uint16, now time.Time) {
	rec := &c.sendHistory[int(packetSeq)%ackHistoryDepth]
	if !rec.used || rec.sequence != packetSeq || rec.acked {
		return
	}
	rec.acked = true

	rtt := now.Sub(rec.sentAt)
	if rtt > 0 {
		if !c.haveRTT {
			c.rttEstimate = rtt
			c.rttVariance = 0
			c.haveRTT = true
		} else {
			delta := rtt - c.rttEstimate
			c.rttEstimate += time.Duration(c.cfg.RTTAlpha * float64(delta))
			absDelta := delta
			if absDelta < 0 {
				absDelta = -absDelta
			}
			c.rttVariance += time.Duration(c.cfg.RTTAlpha * float64(absDelta-c.rttVariance))
		}
		nbnetmetrics.RTT.Observe(c.rttEstimate.Seconds())
	}

	byChannel := map[uint8][]uint16{}
	for _, cm := range rec.carried {
		byChannel[cm.channelID] = append(byChannel[cm.channelID], cm.sequence)
	}
	for chID, seqs := range byChannel {
		if ch := c.Channel(chID); ch != nil {
			ch.OnPacketAcked(seqs)
		}
	}
}

// Tick packs pending channel messages into one or more outgoing packets (up
// to MTU), records each packet's manifest in the send history, and advances
// the keepalive timer. It returns the wire bytes of every packet to emit
// this tick (possibly empty).
func (c *Connection) Tick(now time.Time) [][]byte {
	if c.state == Closed {
		return nil
	}

	var outPackets [][]byte
	pending := c.collectAllChannelMessages(now)

	for len(pending) > 0 || c.shouldSendKeepalive(now) {
		ack, bitfield := c.latestPeerSeq, c.peerAckBitfield
		if !c.haveLatestPeerSeq {
			ack, bitfield = 0, 0
		}
		p := wire.NewPacket(c.cfg.MaxPacketBytes, c.cfg.MaxMessageBytes, c.cfg.Cipher)
		p.InitWrite(c.localSeq, ack, bitfield, c.cfg.ProtocolID)

		var carried []carriedMessage
		i := 0
		for i < len(pending) {
			ok, err := p.WriteMessage(pending[i])
			if err != nil {
				// Message itself violates MaxMessageBytes; drop it, it was
				// already rejected at Send() time in the normal path.
				i++
				continue
			}
			if !ok {
				break
			}
			carried = append(carried, carriedMessage{pending[i].ChannelID, pending[i].Sequence})
			i++
		}
		pending = pending[i:]

		data := p.Finalize()
		outPackets = append(outPackets, data)

		rec := &c.sendHistory[int(c.localSeq)%ackHistoryDepth]
		*rec = sendRecord{used: true, sequence: c.localSeq, sentAt: now, carried: carried}

		c.localSeq++
		c.lastSendTime = now

		if len(pending) == 0 {
			break
		}
	}
	return outPackets
}

func (c *Connection) shouldSendKeepalive(now time.Time) bool {
	if c.cfg.KeepaliveInterval <= 0 {
		return false
	}
	return now.Sub(c.lastSendTime) > c.cfg.KeepaliveInterval
}

func (c *Connection) collectAllChannelMessages(now time.Time) []wire.Message {
	var out []wire.Message
	n := len(c.channels)
	for i := 0; i < n; i++ {
		idx := (c.rrCursor + i) % n
		out = append(out, c.channels[idx].CollectOutgoing(now, 0)...)
	}
	if n > 0 {
		c.rrCursor = (c.rrCursor + 1) % n
	}
	return out
}

// CheckTimeout runs the connection's cooperative timeout check. It must be
// called once per tick from the endpoint; ConnectionTimeout == 0 disables
// it, per spec.md §4.4.
func (c *Connection) CheckTimeout(now time.Time) Event {
	if c.state == Closed || c.cfg.ConnectionTimeout <= 0 {
		return NoEvent
	}
	if now.Sub(c.lastRecvTime) > c.cfg.ConnectionTimeout {
		wasConnecting := c.state == Connecting
		c.state = Closed
		if wasConnecting {
			return EventConnectionFailed
		}
		return EventDisconnectedTimeout
	}
	return NoEvent
}
