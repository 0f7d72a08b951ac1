// Package endpoint implements the host-facing client and server lifecycle:
// time advancement, the send/receive data flow between driver and
// connection, the peer table (server only), and the bounded event queue
// applications poll. See SPEC_FULL.md §4.5.
package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/carterdugan/nbnet/bits"
	"github.com/carterdugan/nbnet/channel"
	"github.com/carterdugan/nbnet/conn"
	"github.com/carterdugan/nbnet/driver"
	"github.com/carterdugan/nbnet/nbnetmetrics"
	"github.com/carterdugan/nbnet/wire"
)

// Config bundles every tunable an endpoint needs to build its connections,
// matching the defaults SPEC_FULL.md §6 lists.
type Config struct {
	ProtocolID              uint32
	MaxPacketBytes          int
	MaxMessageBytes         uint32
	MaxPeers                int
	ChannelWindow           int
	UnreliableBudgetPerTick int // max unreliable messages sent per tick; 0 = DefaultConfig's 64
	ResendDelay             time.Duration // 0 = dynamic 2*RTT+4*RTTVar+10ms
	KeepaliveInterval       time.Duration
	ConnectionTimeout       time.Duration // 0 disables
	EventQueueCapacity      int
	Cipher                  bits.Cipher
}

// DefaultConfig returns SPEC_FULL.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxPacketBytes:          1024,
		MaxMessageBytes:         4096,
		MaxPeers:                32,
		ChannelWindow:           512,
		UnreliableBudgetPerTick: 64,
		KeepaliveInterval:       time.Second,
		ConnectionTimeout:       5 * time.Second,
		EventQueueCapacity:      defaultEventQueueCapacity,
	}
}

func (cfg Config) unreliableBudget() int {
	if cfg.UnreliableBudgetPerTick > 0 {
		return cfg.UnreliableBudgetPerTick
	}
	return 64
}

func (cfg Config) connConfig() conn.Config {
	return conn.Config{
		ProtocolID:        cfg.ProtocolID,
		MaxPacketBytes:    cfg.MaxPacketBytes,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		KeepaliveInterval: cfg.KeepaliveInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		FixedResendDelay:  cfg.ResendDelay,
		Cipher:            cfg.Cipher,
	}
}

func newConnWithChannels(cfg Config, now time.Time) *conn.Connection {
	c := conn.New(cfg.connConfig(), now)
	c.AddChannel(channel.NewUnreliable(0, cfg.unreliableBudget()))
	c.AddChannel(channel.NewReliable(1, cfg.ChannelWindow, c.ResendDelay))
	return c
}

// Client owns exactly one connection, to a configured server address
// (SPEC_FULL.md §4.5).
type Client struct {
	cfg    Config
	drv    driver.Driver
	server driver.IPAddress

	connection *conn.Connection
	events     *eventQueue
	now        time.Time
	started    bool
}

// NewClient returns a Client bound to drv (a driver.Driver or a
// *simulator.Simulator wrapping one).
func NewClient(cfg Config, drv driver.Driver) *Client {
	return &Client{cfg: cfg, drv: drv, events: newEventQueue(cfg.EventQueueCapacity)}
}

// Start dials server: binds the driver and creates the Connecting-state
// connection that will complete its handshake on the first received packet.
func (c *Client) Start(server driver.IPAddress, now time.Time) error {
	if err := c.drv.Start(); err != nil {
		return fmt.Errorf("endpoint: driver start: %w", err)
	}
	c.server = server
	c.now = now
	c.connection = newConnWithChannels(c.cfg, now)
	c.started = true
	return nil
}

func (c *Client) Stop() error {
	c.started = false
	return c.drv.Stop()
}

// SendUnreliable queues payload on the unreliable-ordered channel. It
// returns wire.ErrMessageTooLarge, without queuing anything, if payload
// exceeds MaxMessageBytes.
func (c *Client) SendUnreliable(payload []byte) (uint16, error) {
	if err := checkMessageSize(payload, c.cfg.MaxMessageBytes); err != nil {
		return 0, err
	}
	return c.connection.Channel(0).Send(payload)
}

// SendReliable queues payload on the reliable-ordered channel. It may return
// channel.ErrSendWindowFull as backpressure, or wire.ErrMessageTooLarge
// (without queuing anything) if payload exceeds MaxMessageBytes.
func (c *Client) SendReliable(payload []byte) (uint16, error) {
	if err := checkMessageSize(payload, c.cfg.MaxMessageBytes); err != nil {
		return 0, err
	}
	return c.connection.Channel(1).Send(payload)
}

// AddTime advances the client's clock to now and pumps the receive side:
// draining the driver, parsing packets, and updating connection/channel
// state. Any resulting lifecycle or message events are queued for Poll.
func (c *Client) AddTime(now time.Time) error {
	c.now = now
	datagrams, err := c.drv.RecvPackets(nil)
	if err != nil {
		return fmt.Errorf("endpoint: recv: %w", err)
	}
	for _, dg := range datagrams {
		c.handleIncoming(dg)
	}
	if evt := c.connection.CheckTimeout(now); evt != conn.NoEvent {
		c.pushConnEvent(c.server, evt)
	}
	return nil
}

func (c *Client) handleIncoming(dg driver.Datagram) {
	nbnetmetrics.PacketsReceived.Inc()
	nbnetmetrics.BytesReceived.Add(float64(len(dg.Data)))

	p := wire.NewPacket(c.cfg.MaxPacketBytes, c.cfg.MaxMessageBytes, c.cfg.Cipher)
	if err := p.InitRead(dg.Data, c.cfg.ProtocolID); err != nil {
		nbnetmetrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}
	delivered, evt := c.connection.OnPacket(p, c.now)
	if evt != conn.NoEvent {
		c.pushConnEvent(dg.Peer, evt)
	}
	for chID, msgs := range delivered {
		for _, payload := range msgs {
			c.events.Push(Event{Kind: EventMessageReceived, Peer: dg.Peer, ChannelID: chID, Payload: payload})
		}
	}
}

func (c *Client) pushConnEvent(peer driver.IPAddress, evt conn.Event) {
	switch evt {
	case conn.EventConnected:
		c.events.Push(Event{Kind: EventConnected, Peer: peer})
	case conn.EventConnectionFailed, conn.EventDisconnectedTimeout, conn.EventDisconnectedLocal:
		c.events.Push(Event{Kind: EventDisconnected, Peer: peer})
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, wire.ErrTruncatedPacket):
		return "truncated"
	default:
		return "malformed"
	}
}

// Flush packs every channel's pending messages into one or more packets and
// emits them to the driver.
func (c *Client) Flush() error {
	for _, data := range c.connection.Tick(c.now) {
		nbnetmetrics.PacketsSent.Inc()
		nbnetmetrics.BytesSent.Add(float64(len(data)))
		if err := c.drv.SendPacket(c.server, data); err != nil {
			return fmt.Errorf("endpoint: send: %w", err)
		}
	}
	return nil
}

// Poll returns the next queued event, or NoEvent if the queue is empty.
func (c *Client) Poll() Event {
	return c.events.Pop()
}

// State returns the underlying connection's lifecycle state.
func (c *Client) State() conn.State {
	if c.connection == nil {
		return conn.Closed
	}
	return c.connection.State()
}

// RTT returns the current smoothed round-trip-time estimate.
func (c *Client) RTT() time.Duration { return c.connection.RTT() }

// Stats returns a report-friendly summary of this client's single
// connection, labeled by the server address it is talking to.
func (c *Client) Stats() PeerStats {
	return peerStatsOf(c.server.String(), c.connection)
}
