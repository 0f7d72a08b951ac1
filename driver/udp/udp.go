// Package udp implements driver.Driver over a real net.UDPConn. Grounded on
// source/server/server.go's Start/listen (net.ListenUDP, ReadFromUDP), but
// RecvPackets waits at most a millisecond on an empty socket: the engine's
// cooperative scheduling model polls it once per tick instead of running a
// background read goroutine.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/carterdugan/nbnet/driver"
)

// Driver binds a UDP socket and exposes it through driver.Driver.
type Driver struct {
	Host string
	Port int

	// ReadBufferBytes sets the kernel socket receive buffer via
	// SetReadBuffer; 0 leaves the OS default.
	ReadBufferBytes int
	// MaxDatagramBytes bounds a single read; datagrams larger than this are
	// truncated by the kernel before they ever reach us.
	MaxDatagramBytes int

	conn *net.UDPConn
}

// New returns a Driver bound to host:port, with MaxDatagramBytes set to
// 2048.
func New(host string, port int) *Driver {
	return &Driver{Host: host, Port: port, MaxDatagramBytes: 2048}
}

func (d *Driver) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(d.Host), Port: d.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("driver/udp: bind %s:%d: %w", d.Host, d.Port, err)
	}
	if d.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(d.ReadBufferBytes); err != nil {
			conn.Close()
			return fmt.Errorf("driver/udp: SetReadBuffer: %w", err)
		}
	}
	d.conn = conn
	return nil
}

func (d *Driver) Stop() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// RecvPackets drains every datagram currently queued on the socket, setting
// a read deadline one millisecond ahead before each read (a deadline already
// in the past fails the read before the socket is checked). It returns once
// a read times out with no data (os.ErrDeadlineExceeded).
func (d *Driver) RecvPackets(dst []driver.Datagram) ([]driver.Datagram, error) {
	if d.conn == nil {
		return dst, errors.New("driver/udp: not started")
	}
	buf := make([]byte, d.MaxDatagramBytes)
	for {
		if err := d.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return dst, fmt.Errorf("driver/udp: SetReadDeadline: %w", err)
		}
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return dst, nil
			}
			return dst, fmt.Errorf("driver/udp: read: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dst = append(dst, driver.Datagram{Peer: addrToPeer(addr), Data: data})
	}
}

func (d *Driver) SendPacket(peer driver.IPAddress, data []byte) error {
	if d.conn == nil {
		return errors.New("driver/udp: not started")
	}
	addr := &net.UDPAddr{IP: peerHostToIP(peer.Host), Port: int(peer.Port)}
	_, err := d.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("driver/udp: write to %s: %w", addr, err)
	}
	return nil
}

func addrToPeer(addr *net.UDPAddr) driver.IPAddress {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		// IPv6 peers are folded to their low 32 bits; full IPv6 support is
		// out of scope for this driver (SPEC_FULL.md §4.7).
		ip4 = addr.IP[len(addr.IP)-4:]
	}
	return driver.IPAddress{Host: binary.BigEndian.Uint32(ip4), Port: uint16(addr.Port)}
}

func peerHostToIP(host uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, host)
	return ip
}
