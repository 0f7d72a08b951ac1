// Package nbnet implements a reliable-ordered and unreliable-ordered
// messaging layer over unreliable datagram transports (UDP today, WebRTC
// data channels behind driver.Driver), built from a bit-level codec, packet
// framing, per-channel sliding-window acknowledgment and retransmission, and
// a cooperative single-threaded connection lifecycle.
//
// Glossary
//
// Channel — a logical substream over one connection with a single delivery
// policy (unreliable-ordered or reliable-ordered).
//
// Packet — one UDP datagram produced by this engine; carries zero or more
// messages.
//
// Message — an application payload unit; the smallest reliability-bearing
// entity.
//
// ACK bitfield — 32-bit bitmap describing receipt of the 32 packets
// preceding a given latest-received sequence.
//
// Send window / recv window — per-channel ring buffers indexed by message
// sequence mod window size.
//
// RTT (EWMA) — exponentially weighted moving average of per-packet
// round-trip times.
//
// Keepalive — an empty packet sent solely to carry acks and reset the
// peer's timeout.
package nbnet
