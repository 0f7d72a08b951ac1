package udp

import (
	"net"
	"testing"
	"time"

	"github.com/carterdugan/nbnet/driver"
)

func TestAddrToPeerRoundTripsIPv4(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 4242}
	peer := addrToPeer(addr)
	if peer.Port != 4242 {
		t.Fatalf("port = %d, want 4242", peer.Port)
	}
	ip := peerHostToIP(peer.Host)
	if !ip.Equal(net.ParseIP("10.0.0.7")) {
		t.Fatalf("round-tripped ip = %s, want 10.0.0.7", ip)
	}
}

func TestAddrToPeerFoldsIPv6ToLow32Bits(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("::ffff:192.168.1.2"), Port: 1}
	peer := addrToPeer(addr)
	ip := peerHostToIP(peer.Host)
	if !ip.Equal(net.ParseIP("192.168.1.2")) {
		t.Fatalf("folded ip = %s, want 192.168.1.2 (the v4-mapped tail)", ip)
	}
}

// TestLoopbackSendRecv exercises a real pair of bound sockets on loopback:
// one Driver sends, the other drains it via RecvPackets without blocking.
func TestLoopbackSendRecv(t *testing.T) {
	a := New("127.0.0.1", 0)
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	b := New("127.0.0.1", 0)
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	aAddr := a.conn.LocalAddr().(*net.UDPAddr)
	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	aPeer := driver.IPAddress{Host: 0x7F000001, Port: uint16(aAddr.Port)}
	bPeer := driver.IPAddress{Host: 0x7F000001, Port: uint16(bAddr.Port)}

	if err := a.SendPacket(bPeer, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got []driver.Datagram
	deadline := time.Now().Add(time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		var err error
		got, err = b.RecvPackets(nil)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if len(got) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(got) != 1 {
		t.Fatalf("got %d datagrams, want 1", len(got))
	}
	if string(got[0].Data) != "hello" {
		t.Fatalf("payload = %q, want %q", got[0].Data, "hello")
	}
	if got[0].Peer.Port != aPeer.Port {
		t.Fatalf("sender port = %d, want %d", got[0].Peer.Port, aPeer.Port)
	}
}

func TestRecvPacketsReturnsEmptyWhenIdle(t *testing.T) {
	d := New("127.0.0.1", 0)
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	got, err := d.RecvPackets(nil)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d datagrams on an idle socket, want 0", len(got))
	}
}
