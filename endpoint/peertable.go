package endpoint

import "github.com/carterdugan/nbnet/conn"

// peerSlot is one entry of the open-addressing table.
type peerSlot[K comparable] struct {
	used    bool
	tomb    bool // deleted, but kept as a probe-chain marker
	key     K
	connRef *conn.Connection
}

// peerTable is a fixed-capacity open-addressing hash table keyed by any
// comparable peer identity (driver.IPAddress for UDP, webrtc.PeerID for
// WebRTC), parameterized over key type per SPEC_FULL.md §4.5/§9's design
// note so both transports share one probing implementation. Quadratic
// (triangular-number) probing, which visits every slot of the power-of-two
// backing array, resized (by rebuilding into a larger backing array) once the
// load factor would exceed 0.75.
type peerTable[K comparable] struct {
	slots  []peerSlot[K]
	count  int
	hashFn func(K) uint32
	cap    int // logical capacity exposed to callers (MaxPeers)
}

// newPeerTable returns a table bounded at maxPeers logical entries. The
// backing array is sized larger than maxPeers so the 0.75 load factor is
// never hit purely from admission up to the configured limit.
func newPeerTable[K comparable](maxPeers int, hashFn func(K) uint32) *peerTable[K] {
	backing := nextPow2(maxPeers*2 + 1)
	return &peerTable[K]{
		slots:  make([]peerSlot[K], backing),
		hashFn: hashFn,
		cap:    maxPeers,
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Len returns the number of occupied entries.
func (t *peerTable[K]) Len() int { return t.count }

// Full reports whether the table is at its configured logical capacity.
func (t *peerTable[K]) Full() bool { return t.count >= t.cap }

// Get returns the connection for key, if present.
func (t *peerTable[K]) Get(key K) (*conn.Connection, bool) {
	idx, found := t.probe(key)
	if !found {
		return nil, false
	}
	return t.slots[idx].connRef, true
}

// Put inserts or replaces the entry for key. Callers must check Full()
// first; Put does not enforce the logical capacity itself (so eviction
// policy decisions stay with the caller).
func (t *peerTable[K]) Put(key K, c *conn.Connection) {
	if float64(t.count+1) > 0.75*float64(len(t.slots)) {
		t.grow()
	}
	idx := t.slotFor(key)
	if !t.slots[idx].used {
		t.count++
	}
	t.slots[idx] = peerSlot[K]{used: true, key: key, connRef: c}
}

// Delete removes key's entry, if present, leaving a tombstone so other
// entries' probe chains remain intact.
func (t *peerTable[K]) Delete(key K) {
	idx, found := t.probe(key)
	if !found {
		return
	}
	t.slots[idx] = peerSlot[K]{used: false, tomb: true}
	t.count--
}

// Each calls fn for every occupied entry.
func (t *peerTable[K]) Each(fn func(key K, c *conn.Connection)) {
	for _, s := range t.slots {
		if s.used {
			fn(s.key, s.connRef)
		}
	}
}

// probe returns the slot index holding key, and whether it was found.
func (t *peerTable[K]) probe(key K) (int, bool) {
	mask := uint32(len(t.slots) - 1)
	h := t.hashFn(key)
	for i := uint32(0); i < uint32(len(t.slots)); i++ {
		idx := (h + i*(i+1)/2) & mask
		slot := &t.slots[idx]
		if !slot.used && !slot.tomb {
			return 0, false
		}
		if slot.used && slot.key == key {
			return int(idx), true
		}
	}
	return 0, false
}

// slotFor returns the slot index to (re)use for key: an existing entry for
// key, or the first empty/tombstoned slot along its quadratic probe chain.
func (t *peerTable[K]) slotFor(key K) int {
	mask := uint32(len(t.slots) - 1)
	h := t.hashFn(key)
	firstTomb := -1
	for i := uint32(0); i < uint32(len(t.slots)); i++ {
		idx := (h + i*(i+1)/2) & mask
		slot := &t.slots[idx]
		if slot.used && slot.key == key {
			return int(idx)
		}
		if slot.tomb && firstTomb < 0 {
			firstTomb = int(idx)
			continue
		}
		if !slot.used && !slot.tomb {
			if firstTomb >= 0 {
				return firstTomb
			}
			return int(idx)
		}
	}
	if firstTomb >= 0 {
		return firstTomb
	}
	// Unreachable under the 0.75 load-factor growth policy.
	return int(h & mask)
}

func (t *peerTable[K]) grow() {
	old := t.slots
	t.slots = make([]peerSlot[K], len(old)*2)
	t.count = 0
	for _, s := range old {
		if s.used {
			t.Put(s.key, s.connRef)
		}
	}
}
