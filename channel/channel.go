// Package channel implements the two delivery policies a connection can
// multiplex: unreliable-ordered (best-effort, never retransmitted) and
// reliable-ordered (retransmitted until acked, delivered gap-free). See
// SPEC_FULL.md §4.3.
package channel

import (
	"errors"
	"time"

	"github.com/carterdugan/nbnet/seq"
	"github.com/carterdugan/nbnet/wire"
)

// ErrSendWindowFull is returned by Reliable.Send when the next message
// sequence would overwrite an unacked send-window entry. The engine never
// aborts on this condition (DESIGN.md open question (b)); it is surfaced
// to the host as backpressure.
var ErrSendWindowFull = errors.New("channel: send window full")

// Policy identifies which of the two delivery policies a Channel
// implements. Kept as a small closed enum rather than open-ended dispatch.
type Policy int

const (
	PolicyUnreliableOrdered Policy = iota
	PolicyReliableOrdered
)

// Stats mirrors the counters SPEC_FULL.md §4.3 asks every channel to expose.
type Stats struct {
	MessagesSent              uint64
	MessagesResent            uint64
	MessagesDelivered         uint64
	MessagesDroppedWindowFull uint64
	MessagesDroppedDuplicate  uint64
	MessagesDroppedBudget     uint64
}

// Channel is the small interface both delivery policies satisfy. A
// connection drives it once per tick: Send queues application data,
// CollectOutgoing pulls whatever is due to go out in the next packet,
// OnPacketMessages hands it newly-arrived wire messages for this channel,
// and OnPacketAcked tells it a packet carrying some of its messages was
// acknowledged.
type Channel interface {
	ID() uint8
	Policy() Policy
	Send(payload []byte) (seqNum uint16, err error)
	// CollectOutgoing returns messages due to be (re)sent in the next
	// packet, each tagged with its own channel id and sequence number.
	CollectOutgoing(now time.Time, budget int) []wire.Message
	// OnPacketMessages delivers messages received on this channel from one
	// incoming packet; returns payloads now ready for the application in
	// delivery order.
	OnPacketMessages(msgs []wire.Message) [][]byte
	// OnPacketAcked notifies the channel that a packet carrying the given
	// message sequences has been acknowledged.
	OnPacketAcked(sequences []uint16)
	Stats() Stats
}

// sendSlot is one entry of a reliable channel's send window.
type sendSlot struct {
	occupied   bool
	acked      bool
	sequence   uint16
	payload    []byte
	lastSentAt time.Time
	neverSent  bool
}

// recvSlot is one entry of a reliable channel's recv window.
type recvSlot struct {
	occupied bool
	sequence uint16
	payload  []byte
}

// seqNewer reports whether a is strictly newer than b, wrap-safe.
func seqNewer(a, b uint16) bool {
	return seq.GreaterThan16(a, b)
}
