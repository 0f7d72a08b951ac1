package channel

import (
	"strconv"
	"time"

	"github.com/carterdugan/nbnet/nbnetmetrics"
	"github.com/carterdugan/nbnet/wire"
)

// Reliable implements reliable-ordered delivery: every message is retained
// in a sliding send window until a packet carrying it is acked, resent after
// ResendDelay if still unacked, and delivered to the application strictly in
// sequence with no gaps. Grounded on the teacher's RELIABLE_ORDERED handling
// in Session.HandleDataPacket (per-channel ChannelOrderIndex gate) and on
// the sliding send-window bookkeeping in
// other_examples/541a21f0_localrivet-gomcp__transport-udp-reliability.go's
// ReliabilityManager/PendingMessage.
type Reliable struct {
	id     uint8
	window int

	sendSlots []sendSlot
	nextSend  uint16
	oldestUnacked uint16
	haveOldest    bool

	recvSlots        []recvSlot
	deliveryCursor   uint16
	haveCursor       bool

	resendDelay func() time.Duration
	stats       Stats
}

// NewReliable returns a reliable-ordered channel with the given window size.
// resendDelay is called fresh for each resend decision so the caller (the
// owning connection) can plug in the dynamic 2*RTT+4*RTTVar+10ms default or
// a fixed override.
func NewReliable(id uint8, window int, resendDelay func() time.Duration) *Reliable {
	return &Reliable{
		id:          id,
		window:      window,
		sendSlots:   make([]sendSlot, window),
		recvSlots:   make([]recvSlot, window),
		resendDelay: resendDelay,
	}
}

func (c *Reliable) ID() uint8      { return c.id }
func (c *Reliable) Policy() Policy { return PolicyReliableOrdered }

// Send assigns the next sequence number and stores payload in the send
// window. It returns ErrSendWindowFull if the window is exhausted, i.e. the
// oldest entry is still unacked W sequences ago.
func (c *Reliable) Send(payload []byte) (uint16, error) {
	s := c.nextSend
	idx := int(s) % c.window
	if c.sendSlots[idx].occupied && !c.sendSlots[idx].acked {
		return 0, ErrSendWindowFull
	}
	c.sendSlots[idx] = sendSlot{
		occupied:  true,
		acked:     false,
		sequence:  s,
		payload:   payload,
		neverSent: true,
	}
	c.nextSend++
	return s, nil
}

// CollectOutgoing returns every never-sent message plus every unacked
// message whose last-sent timestamp is older than the resend delay, up to
// budget entries (0 = unbounded).
func (c *Reliable) CollectOutgoing(now time.Time, budget int) []wire.Message {
	var out []wire.Message
	delay := c.resendDelay()
	for i := range c.sendSlots {
		slot := &c.sendSlots[i]
		if !slot.occupied || slot.acked {
			continue
		}
		due := slot.neverSent || now.Sub(slot.lastSentAt) >= delay
		if !due {
			continue
		}
		if !slot.neverSent {
			c.stats.MessagesResent++
			nbnetmetrics.MessagesResent.WithLabelValues(strconv.Itoa(int(c.id))).Inc()
		} else {
			c.stats.MessagesSent++
		}
		slot.neverSent = false
		slot.lastSentAt = now
		out = append(out, wire.Message{
			ChannelID: c.id,
			Sequence:  slot.sequence,
			Type:      wire.MessageTypeByteArray,
			Payload:   slot.payload,
		})
		if budget > 0 && len(out) >= budget {
			break
		}
	}
	return out
}

// OnPacketMessages stores newly-arrived messages in the recv window and
// advances the delivery cursor as far as contiguous sequences allow,
// returning payloads in delivery order.
func (c *Reliable) OnPacketMessages(msgs []wire.Message) [][]byte {
	for _, m := range msgs {
		if c.haveCursor && seqNewer(c.deliveryCursor, m.Sequence) {
			// Older than the next expected sequence: already delivered.
			c.stats.MessagesDroppedDuplicate++
			continue
		}
		idx := int(m.Sequence) % c.window
		if c.recvSlots[idx].occupied && c.recvSlots[idx].sequence == m.Sequence {
			c.stats.MessagesDroppedDuplicate++
			continue
		}
		c.recvSlots[idx] = recvSlot{occupied: true, sequence: m.Sequence, payload: m.Payload}
	}

	if !c.haveCursor {
		// Send numbers every reliable channel from 0, so delivery starts at
		// 0 too, whichever sequence happens to arrive first.
		c.deliveryCursor = 0
		c.haveCursor = true
	}

	var delivered [][]byte
	for {
		idx := int(c.deliveryCursor) % c.window
		slot := c.recvSlots[idx]
		if !slot.occupied || slot.sequence != c.deliveryCursor {
			break
		}
		delivered = append(delivered, slot.payload)
		c.stats.MessagesDelivered++
		c.recvSlots[idx] = recvSlot{}
		c.deliveryCursor++
	}
	return delivered
}

// OnPacketAcked marks every send-window entry whose sequence is in
// sequences as acked, freeing its slot for reuse once the window wraps
// around to it.
func (c *Reliable) OnPacketAcked(sequences []uint16) {
	for _, s := range sequences {
		idx := int(s) % c.window
		if c.sendSlots[idx].occupied && c.sendSlots[idx].sequence == s {
			c.sendSlots[idx].acked = true
		}
	}
}

func (c *Reliable) Stats() Stats { return c.stats }
