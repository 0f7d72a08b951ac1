// Package driver defines the thin transport boundary the engine sends and
// receives raw datagrams through. Concrete drivers (driver/udp,
// driver/webrtc) are deliberately minimal: framing, reliability, and
// sequencing all live above this layer. See SPEC_FULL.md §4.7.
package driver

import "fmt"

// IPAddress identifies a UDP peer by address, independent of net.UDPAddr so
// the engine above this package never imports net directly.
type IPAddress struct {
	Host uint32
	Port uint16
}

func (a IPAddress) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		byte(a.Host>>24), byte(a.Host>>16), byte(a.Host>>8), byte(a.Host),
		a.Port)
}

// Hash implements the adversarial-weak "host XOR port" peer-table hash the
// spec calls for (SPEC_FULL.md §4.5, §9).
func (a IPAddress) Hash() uint32 {
	return a.Host ^ uint32(a.Port)
}

// Datagram is one raw, unparsed frame received from or destined for a peer.
type Datagram struct {
	Peer IPAddress
	Data []byte
}

// Driver is the interface every transport implementation satisfies. It owns
// no framing or reliability concerns: it only ships bytes.
type Driver interface {
	Start() error
	Stop() error
	// RecvPackets drains every datagram currently available without
	// blocking, appending to dst and returning the extended slice.
	RecvPackets(dst []Datagram) ([]Datagram, error)
	SendPacket(peer IPAddress, data []byte) error
}
