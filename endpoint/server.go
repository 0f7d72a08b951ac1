package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/carterdugan/nbnet/conn"
	"github.com/carterdugan/nbnet/driver"
	"github.com/carterdugan/nbnet/nbnetmetrics"
	"github.com/carterdugan/nbnet/wire"
)

// ErrPeerTableFull is returned when a new peer would exceed MaxPeers; per
// spec.md §4.5 the datagram is otherwise dropped silently (no RST sent).
var ErrPeerTableFull = errors.New("endpoint: peer table full")

// Server owns a table of connections keyed by driver.IPAddress, extending
// Client's operation set with broadcast and per-peer send, and incoming
// connection accept/reject (SPEC_FULL.md §4.5).
type Server struct {
	cfg Config
	drv driver.Driver

	peers *peerTable[driver.IPAddress]
	events *eventQueue

	now time.Time

	// pendingIncoming holds peers whose first packet has arrived but which
	// have not yet been accepted or rejected by the host.
	pendingIncoming map[driver.IPAddress]struct{}

	// disconnected holds peers that have left and not yet been returned by
	// GetDisconnectedPeer.
	disconnected []driver.IPAddress
}

// NewServer returns a Server bound to drv.
func NewServer(cfg Config, drv driver.Driver) *Server {
	return &Server{
		cfg:             cfg,
		drv:             drv,
		peers:           newPeerTable[driver.IPAddress](cfg.MaxPeers, driver.IPAddress.Hash),
		events:          newEventQueue(cfg.EventQueueCapacity),
		pendingIncoming: make(map[driver.IPAddress]struct{}),
	}
}

func (s *Server) Start(now time.Time) error {
	s.now = now
	return s.drv.Start()
}

func (s *Server) Stop() error { return s.drv.Stop() }

// AcceptIncoming admits peer's pending connection into the peer table,
// creating its Connection. It is a no-op if peer has no pending connection.
func (s *Server) AcceptIncoming(peer driver.IPAddress) error {
	if _, pending := s.pendingIncoming[peer]; !pending {
		return nil
	}
	delete(s.pendingIncoming, peer)
	if s.peers.Full() {
		return ErrPeerTableFull
	}
	s.peers.Put(peer, newConnWithChannels(s.cfg, s.now))
	nbnetmetrics.ConnectedPeers.Set(float64(s.peers.Len()))
	return nil
}

// RejectIncoming discards peer's pending connection without admitting it.
func (s *Server) RejectIncoming(peer driver.IPAddress) {
	delete(s.pendingIncoming, peer)
}

// GetDisconnectedPeer pops the oldest peer that disconnected and has not yet
// been returned, or (zero-value, false) if none are pending.
func (s *Server) GetDisconnectedPeer() (driver.IPAddress, bool) {
	if len(s.disconnected) == 0 {
		return driver.IPAddress{}, false
	}
	p := s.disconnected[0]
	s.disconnected = s.disconnected[1:]
	return p, true
}

// BroadcastUnreliable queues payload on the unreliable channel of every
// connected peer whose payload does not exceed MaxMessageBytes; an
// oversized payload is silently skipped for every peer rather than queued
// anywhere, matching SendUnreliableTo's per-peer behavior.
func (s *Server) BroadcastUnreliable(payload []byte) {
	if checkMessageSize(payload, s.cfg.MaxMessageBytes) != nil {
		return
	}
	s.peers.Each(func(_ driver.IPAddress, c *conn.Connection) {
		c.Channel(0).Send(payload)
	})
}

// BroadcastReliable queues payload on the reliable channel of every
// connected peer, subject to the same MaxMessageBytes check as
// BroadcastUnreliable.
func (s *Server) BroadcastReliable(payload []byte) {
	if checkMessageSize(payload, s.cfg.MaxMessageBytes) != nil {
		return
	}
	s.peers.Each(func(_ driver.IPAddress, c *conn.Connection) {
		c.Channel(1).Send(payload)
	})
}

// SendUnreliableTo queues payload on peer's unreliable channel. Returns
// false if peer is not connected, or wire.ErrMessageTooLarge (with ok=true,
// nothing queued) if payload exceeds MaxMessageBytes.
func (s *Server) SendUnreliableTo(peer driver.IPAddress, payload []byte) (uint16, error, bool) {
	c, ok := s.peers.Get(peer)
	if !ok {
		return 0, nil, false
	}
	if err := checkMessageSize(payload, s.cfg.MaxMessageBytes); err != nil {
		return 0, err, true
	}
	seqNum, err := c.Channel(0).Send(payload)
	return seqNum, err, true
}

// SendReliableTo queues payload on peer's reliable channel. Returns false if
// peer is not connected, or wire.ErrMessageTooLarge (with ok=true, nothing
// queued) if payload exceeds MaxMessageBytes.
func (s *Server) SendReliableTo(peer driver.IPAddress, payload []byte) (uint16, error, bool) {
	c, ok := s.peers.Get(peer)
	if !ok {
		return 0, nil, false
	}
	if err := checkMessageSize(payload, s.cfg.MaxMessageBytes); err != nil {
		return 0, err, true
	}
	seqNum, err := c.Channel(1).Send(payload)
	return seqNum, err, true
}

func checkMessageSize(payload []byte, maxBytes uint32) error {
	if uint32(len(payload)) > maxBytes {
		return fmt.Errorf("%w: %d > %d", wire.ErrMessageTooLarge, len(payload), maxBytes)
	}
	return nil
}

// AddTime advances the server's clock, drains the driver, and dispatches
// every incoming datagram to its connection (or raises NewConnection for an
// unrecognized address).
func (s *Server) AddTime(now time.Time) error {
	s.now = now
	datagrams, err := s.drv.RecvPackets(nil)
	if err != nil {
		return fmt.Errorf("endpoint: recv: %w", err)
	}
	for _, dg := range datagrams {
		s.handleIncoming(dg)
	}
	s.peers.Each(func(peer driver.IPAddress, c *conn.Connection) {
		if evt := c.CheckTimeout(now); evt != conn.NoEvent {
			s.onConnDisconnected(peer)
		}
	})
	return nil
}

func (s *Server) handleIncoming(dg driver.Datagram) {
	nbnetmetrics.PacketsReceived.Inc()
	nbnetmetrics.BytesReceived.Add(float64(len(dg.Data)))

	c, known := s.peers.Get(dg.Peer)
	if known {
		p := wire.NewPacket(s.cfg.MaxPacketBytes, s.cfg.MaxMessageBytes, s.cfg.Cipher)
		if err := p.InitRead(dg.Data, s.cfg.ProtocolID); err != nil {
			nbnetmetrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
			return
		}
		delivered, evt := c.OnPacket(p, s.now)
		if evt == conn.EventConnected {
			s.events.Push(Event{Kind: EventConnected, Peer: dg.Peer})
		}
		for chID, msgs := range delivered {
			for _, payload := range msgs {
				s.events.Push(Event{Kind: EventMessageReceived, Peer: dg.Peer, ChannelID: chID, Payload: payload})
			}
		}
		return
	}

	// Unknown peer: the header must pass the same ProtocolID/framing check
	// as a known peer's before it can occupy a pendingIncoming slot. This is
	// what keeps a wrong-ProtocolId or malformed datagram from ever raising
	// EventNewConnection (spec.md §3, §4.5's "first valid packet").
	p := wire.NewPacket(s.cfg.MaxPacketBytes, s.cfg.MaxMessageBytes, s.cfg.Cipher)
	if err := p.InitRead(dg.Data, s.cfg.ProtocolID); err != nil {
		nbnetmetrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}
	if _, pending := s.pendingIncoming[dg.Peer]; !pending {
		if s.peers.Full() {
			nbnetmetrics.PacketsDropped.WithLabelValues("peer_table_full").Inc()
			return
		}
		s.pendingIncoming[dg.Peer] = struct{}{}
		s.events.Push(Event{Kind: EventNewConnection, Peer: dg.Peer})
	}
}

func (s *Server) onConnDisconnected(peer driver.IPAddress) {
	s.peers.Delete(peer)
	s.disconnected = append(s.disconnected, peer)
	nbnetmetrics.ConnectedPeers.Set(float64(s.peers.Len()))
	s.events.Push(Event{Kind: EventDisconnected, Peer: peer})
}

// Flush packs every connected peer's pending messages into packets and
// emits them to the driver.
func (s *Server) Flush() error {
	var sendErr error
	s.peers.Each(func(peer driver.IPAddress, c *conn.Connection) {
		if sendErr != nil {
			return
		}
		for _, data := range c.Tick(s.now) {
			nbnetmetrics.PacketsSent.Inc()
			nbnetmetrics.BytesSent.Add(float64(len(data)))
			if err := s.drv.SendPacket(peer, data); err != nil {
				sendErr = fmt.Errorf("endpoint: send to %s: %w", peer, err)
			}
		}
	})
	return sendErr
}

// Poll returns the next queued event, or NoEvent if the queue is empty.
func (s *Server) Poll() Event {
	return s.events.Pop()
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int { return s.peers.Len() }

// PeerStats is a flattened, report-friendly view of one connection's
// health, with gocsv tags so cmd/nbnet-soak can marshal a slice of these
// directly to a CSV summary.
type PeerStats struct {
	Peer              string  `csv:"peer"`
	RTTSeconds        float64 `csv:"rtt_seconds"`
	MessagesSent      uint64  `csv:"messages_sent"`
	MessagesResent    uint64  `csv:"messages_resent"`
	MessagesDelivered uint64  `csv:"messages_delivered"`
	MessagesDropped   uint64  `csv:"messages_dropped"`
}

// Stats returns one PeerStats per currently connected peer.
func (s *Server) Stats() []PeerStats {
	var out []PeerStats
	s.peers.Each(func(peer driver.IPAddress, c *conn.Connection) {
		out = append(out, peerStatsOf(peer.String(), c))
	})
	return out
}

func peerStatsOf(label string, c *conn.Connection) PeerStats {
	ps := PeerStats{Peer: label, RTTSeconds: c.RTT().Seconds()}
	for _, chID := range []uint8{0, 1} {
		ch := c.Channel(chID)
		if ch == nil {
			continue
		}
		st := ch.Stats()
		ps.MessagesSent += st.MessagesSent
		ps.MessagesResent += st.MessagesResent
		ps.MessagesDelivered += st.MessagesDelivered
		ps.MessagesDropped += st.MessagesDroppedWindowFull + st.MessagesDroppedDuplicate + st.MessagesDroppedBudget
	}
	return ps
}
