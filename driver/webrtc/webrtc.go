// Package webrtc stubs driver.Driver's counterpart for WebRTC data channels.
// The concrete data-channel wiring is an external collaborator
// (SPEC_FULL.md §1, §4.7); this package only defines the peer identity type
// and a Driver shape a real implementation would fill in.
package webrtc

import (
	"errors"

	"github.com/carterdugan/nbnet/driver"
	"github.com/rs/xid"
)

// PeerID is an opaque, comparable peer identity for transports (like
// WebRTC) that have no natural (host, port) pair. Backed by xid rather than
// uuid for a compact, sortable, allocation-light identifier.
type PeerID struct {
	id xid.ID
}

// NewPeerID returns a fresh, time-ordered peer identity.
func NewPeerID() PeerID { return PeerID{id: xid.New()} }

func (p PeerID) String() string { return p.id.String() }

// ErrNotImplemented is returned by every Driver method: concrete data-channel
// transport wiring is out of scope (SPEC_FULL.md §1).
var ErrNotImplemented = errors.New("driver/webrtc: data channel transport not implemented")

// Driver is an unimplemented driver.Driver satisfied only so the engine can
// be built and wired against a WebRTC endpoint shape; every method returns
// ErrNotImplemented until a concrete data-channel client is plugged in.
type Driver struct{}

func (d *Driver) Start() error { return ErrNotImplemented }
func (d *Driver) Stop() error  { return ErrNotImplemented }
func (d *Driver) RecvPackets(dst []driver.Datagram) ([]driver.Datagram, error) {
	return dst, ErrNotImplemented
}
func (d *Driver) SendPacket(peer driver.IPAddress, data []byte) error {
	return ErrNotImplemented
}
