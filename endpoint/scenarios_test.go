package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/carterdugan/nbnet/driver"
	"github.com/carterdugan/nbnet/simulator"
	"github.com/carterdugan/nbnet/wire"
)

// pump drives one full tick of both ends: client flush/add-time, then
// server add-time/flush, advancing both clocks to now.
func pump(t *testing.T, client *Client, server *Server, now time.Time) {
	t.Helper()
	if err := client.Flush(); err != nil {
		t.Fatalf("client.Flush: %v", err)
	}
	if err := server.AddTime(now); err != nil {
		t.Fatalf("server.AddTime: %v", err)
	}
	if err := server.Flush(); err != nil {
		t.Fatalf("server.Flush: %v", err)
	}
	if err := client.AddTime(now); err != nil {
		t.Fatalf("client.AddTime: %v", err)
	}
}

// TestScenarioLoopbackNoLossInOrderDelivery is E1: a lossless loopback
// delivers reliable messages to the server in the order they were sent.
func TestScenarioLoopbackNoLossInOrderDelivery(t *testing.T) {
	clientAddr := driver.IPAddress{Host: 1, Port: 1}
	serverAddr := driver.IPAddress{Host: 2, Port: 2}
	clientDrv, serverDrv := newMemDriverPair(clientAddr, serverAddr)

	cfg := testEndpointConfig()
	client := NewClient(cfg, clientDrv)
	server := NewServer(cfg, serverDrv)

	now := time.Now()
	client.Start(serverAddr, now)
	server.Start(now)

	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, p := range payloads {
		if _, err := client.SendReliable(p); err != nil {
			t.Fatalf("SendReliable(%q): %v", p, err)
		}
	}

	var received [][]byte
	for tick := 0; tick < 10 && len(received) < len(payloads); tick++ {
		now = now.Add(50 * time.Millisecond)
		pump(t, client, server, now)
		server.AcceptIncoming(clientAddr)
		for {
			evt := server.Poll()
			if evt.Kind == NoEvent {
				break
			}
			if evt.Kind == EventMessageReceived {
				received = append(received, evt.Payload)
			}
		}
	}

	if len(received) != len(payloads) {
		t.Fatalf("received %d messages, want %d", len(received), len(payloads))
	}
	for i, p := range payloads {
		if string(received[i]) != string(p) {
			t.Errorf("message %d = %q, want %q", i, received[i], p)
		}
	}
}

// TestScenarioHighLossStillDeliversAllInOrder is E2: under 50% simulated
// loss every reliable message still arrives, in order, with at least one
// retransmission along the way.
func TestScenarioHighLossStillDeliversAllInOrder(t *testing.T) {
	clientAddr := driver.IPAddress{Host: 1, Port: 1}
	serverAddr := driver.IPAddress{Host: 2, Port: 2}
	clientDrv, serverDrv := newMemDriverPair(clientAddr, serverAddr)

	cfg := testEndpointConfig()
	cfg.ChannelWindow = 64
	sim := simWrap(clientDrv, 0.5, 1)
	client := NewClient(cfg, sim)
	server := NewServer(cfg, serverDrv)

	now := time.Now()
	client.Start(serverAddr, now)
	server.Start(now)

	const total = 1000
	sent := 0
	var received [][]byte
	for tick := 0; tick < 20000 && len(received) < total; tick++ {
		now = now.Add(5 * time.Millisecond)
		for sent < total {
			payload := make([]byte, 64)
			payload[0] = byte(sent)
			if _, err := client.SendReliable(payload); err != nil {
				break // window full this tick; retry next tick
			}
			sent++
		}
		if err := client.Flush(); err != nil {
			t.Fatalf("client.Flush: %v", err)
		}
		if err := sim.Tick(now); err != nil {
			t.Fatalf("sim.Tick: %v", err)
		}
		if err := server.AddTime(now); err != nil {
			t.Fatalf("server.AddTime: %v", err)
		}
		// AcceptIncoming no-ops until this peer actually has a pending
		// connection, so it is safe (and necessary) to call every tick.
		server.AcceptIncoming(clientAddr)
		for {
			evt := server.Poll()
			if evt.Kind == NoEvent {
				break
			}
			if evt.Kind == EventMessageReceived {
				received = append(received, evt.Payload)
			}
		}
		if err := server.Flush(); err != nil {
			t.Fatalf("server.Flush: %v", err)
		}
		if err := client.AddTime(now); err != nil {
			t.Fatalf("client.AddTime: %v", err)
		}
	}

	if len(received) != total {
		t.Fatalf("received %d messages, want %d (sent %d)", len(received), total, sent)
	}
	for i, r := range received {
		if r[0] != byte(i) {
			t.Fatalf("message %d out of order: tag byte = %d", i, r[0])
		}
	}
	stats := client.Stats()
	if stats.MessagesResent == 0 {
		t.Error("expected at least one retransmission under 50% loss")
	}
}

func simWrap(inner driver.Driver, lossRatio float64, seed int64) *simulator.Simulator {
	sim := simulator.New(inner, seed)
	sim.LossRatio = lossRatio
	return sim
}

// TestScenarioUnreliableDropsStaleOutOfOrderMessages is E3: the unreliable
// channel only delivers a message whose sequence exceeds every sequence
// already delivered, so delivered count never exceeds what was sent and
// never regresses.
func TestScenarioUnreliableDropsStaleOutOfOrderMessages(t *testing.T) {
	clientAddr := driver.IPAddress{Host: 1, Port: 1}
	serverAddr := driver.IPAddress{Host: 2, Port: 2}
	clientDrv, serverDrv := newMemDriverPair(clientAddr, serverAddr)

	cfg := testEndpointConfig()
	sim := simWrap(clientDrv, 0, 7)
	sim.JitterMS = 40 // enough spread to reorder delivery across ticks
	client := NewClient(cfg, sim)
	server := NewServer(cfg, serverDrv)

	now := time.Now()
	client.Start(serverAddr, now)
	server.Start(now)

	const total = 100
	for i := 0; i < total; i++ {
		payload := make([]byte, 32)
		payload[0] = byte(i)
		if _, err := client.SendUnreliable(payload); err != nil {
			t.Fatalf("SendUnreliable(%d): %v", i, err)
		}
	}

	var maxSeen int = -1
	deliveredCount := 0
	for tick := 0; tick < 200; tick++ {
		now = now.Add(10 * time.Millisecond)
		if err := client.Flush(); err != nil {
			t.Fatalf("client.Flush: %v", err)
		}
		if err := sim.Tick(now); err != nil {
			t.Fatalf("sim.Tick: %v", err)
		}
		if err := server.AddTime(now); err != nil {
			t.Fatalf("server.AddTime: %v", err)
		}
		server.AcceptIncoming(clientAddr)
		for {
			evt := server.Poll()
			if evt.Kind == NoEvent {
				break
			}
			if evt.Kind == EventMessageReceived {
				deliveredCount++
				if int(evt.Payload[0]) <= maxSeen {
					t.Fatalf("delivered stale message: tag %d after max %d", evt.Payload[0], maxSeen)
				}
				maxSeen = int(evt.Payload[0])
			}
		}
	}

	if deliveredCount > total {
		t.Fatalf("delivered %d messages, want <= %d", deliveredCount, total)
	}
}

// TestScenarioPeerTableAdmitsExactlyMaxPeers is E4: with the default
// MaxPeers=32, exactly 32 of 33 connecting addresses raise NewConnection;
// the 33rd is silently ignored.
func TestScenarioPeerTableAdmitsExactlyMaxPeers(t *testing.T) {
	serverAddr := driver.IPAddress{Host: 9, Port: 9000}
	cfg := testEndpointConfig()
	_, serverDrv := newMemDriverPair(driver.IPAddress{Host: 1}, serverAddr)
	server := NewServer(cfg, serverDrv)
	now := time.Now()
	server.Start(now)

	admitted := 0
	for i := 0; i < 33; i++ {
		peer := driver.IPAddress{Host: 1, Port: uint16(1000 + i)}
		serverDrv.inbox = append(serverDrv.inbox, driver.Datagram{Peer: peer, Data: keepaliveDatagram(t, cfg)})
		if err := server.AddTime(now); err != nil {
			t.Fatalf("server.AddTime: %v", err)
		}
		evt := server.Poll()
		if evt.Kind == EventNewConnection {
			admitted++
			server.AcceptIncoming(peer)
		}
	}

	if admitted != 32 {
		t.Fatalf("admitted %d peers, want 32", admitted)
	}
}

// TestScenarioClientTimesOutOnceWhenServerNeverResponds is E5: a client
// whose server never answers emits Disconnected(timeout) exactly once.
func TestScenarioClientTimesOutOnceWhenServerNeverResponds(t *testing.T) {
	serverAddr := driver.IPAddress{Host: 2, Port: 2}
	clientDrv, _ := newMemDriverPair(driver.IPAddress{Host: 1, Port: 1}, serverAddr)

	cfg := testEndpointConfig()
	cfg.ConnectionTimeout = 5 * time.Second
	client := NewClient(cfg, clientDrv)

	now := time.Now()
	if err := client.Start(serverAddr, now); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	disconnects := 0
	for tick := 0; tick < 200; tick++ {
		now = now.Add(50 * time.Millisecond)
		if err := client.AddTime(now); err != nil {
			t.Fatalf("client.AddTime: %v", err)
		}
		for {
			evt := client.Poll()
			if evt.Kind == NoEvent {
				break
			}
			if evt.Kind == EventDisconnected {
				disconnects++
			}
		}
	}

	if disconnects != 1 {
		t.Fatalf("observed %d disconnect events, want exactly 1", disconnects)
	}
}

// TestScenarioOversizedMessageRejectedWithoutSending is E6: a payload one
// byte over MaxMessageBytes is rejected at Send time and never reaches the
// driver.
func TestScenarioOversizedMessageRejectedWithoutSending(t *testing.T) {
	serverAddr := driver.IPAddress{Host: 2, Port: 2}
	clientDrv, serverDrv := newMemDriverPair(driver.IPAddress{Host: 1, Port: 1}, serverAddr)

	cfg := testEndpointConfig()
	cfg.MaxMessageBytes = 16
	client := NewClient(cfg, clientDrv)
	now := time.Now()
	client.Start(serverAddr, now)

	oversized := make([]byte, cfg.MaxMessageBytes+1)
	if _, err := client.SendReliable(oversized); err == nil {
		t.Fatal("expected an error for an oversized reliable payload")
	} else if !errors.Is(err, wire.ErrMessageTooLarge) {
		t.Fatalf("error = %v, want wire.ErrMessageTooLarge", err)
	}

	if err := client.Flush(); err != nil {
		t.Fatalf("client.Flush: %v", err)
	}
	if len(serverDrv.inbox) != 0 {
		t.Fatalf("expected no packet emitted for a rejected oversized message, got %d", len(serverDrv.inbox))
	}
}
