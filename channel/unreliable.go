package channel

import (
	"time"

	"github.com/carterdugan/nbnet/wire"
)

// Unreliable implements unreliable-ordered delivery: messages are sent at
// most once, never retransmitted, and the receiver drops anything that
// isn't newer than the last delivered sequence. Grounded on the teacher's
// distinction between RELIABLE and plain UNRELIABLE reliability types in
// source/protocol/raknet.go, simplified to the two policies this spec
// defines.
type Unreliable struct {
	id uint8

	nextSeq uint16
	outbox  []wire.Message

	lastDelivered      uint16
	haveDeliveredOnce  bool

	maxPerTick int
	stats      Stats
}

// NewUnreliable returns an unreliable-ordered channel. maxPerTick bounds how
// many queued messages CollectOutgoing will drain in one call; beyond that
// the oldest queued messages are dropped with a counter bump, per
// SPEC_FULL.md §4.3.
func NewUnreliable(id uint8, maxPerTick int) *Unreliable {
	return &Unreliable{id: id, maxPerTick: maxPerTick}
}

func (c *Unreliable) ID() uint8      { return c.id }
func (c *Unreliable) Policy() Policy { return PolicyUnreliableOrdered }

func (c *Unreliable) Send(payload []byte) (uint16, error) {
	s := c.nextSeq
	c.nextSeq++
	c.outbox = append(c.outbox, wire.Message{
		ChannelID: c.id,
		Sequence:  s,
		Type:      wire.MessageTypeByteArray,
		Payload:   payload,
	})
	if len(c.outbox) > c.maxPerTick {
		dropped := len(c.outbox) - c.maxPerTick
		c.outbox = c.outbox[dropped:]
		c.stats.MessagesDroppedBudget += uint64(dropped)
	}
	return s, nil
}

func (c *Unreliable) CollectOutgoing(now time.Time, budget int) []wire.Message {
	out := c.outbox
	c.outbox = nil
	c.stats.MessagesSent += uint64(len(out))
	return out
}

func (c *Unreliable) OnPacketMessages(msgs []wire.Message) [][]byte {
	var delivered [][]byte
	for _, m := range msgs {
		if c.haveDeliveredOnce && !seqNewer(m.Sequence, c.lastDelivered) {
			c.stats.MessagesDroppedDuplicate++
			continue
		}
		c.lastDelivered = m.Sequence
		c.haveDeliveredOnce = true
		c.stats.MessagesDelivered++
		delivered = append(delivered, m.Payload)
	}
	return delivered
}

// OnPacketAcked is a no-op for unreliable channels: nothing is ever
// retransmitted, so there is nothing to mark acked.
func (c *Unreliable) OnPacketAcked(sequences []uint16) {}

func (c *Unreliable) Stats() Stats { return c.stats }
