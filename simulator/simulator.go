// Package simulator wraps a driver.Driver with injected packet loss,
// duplication, and latency jitter, for exercising the reliability layer
// under adverse network conditions without a real flaky link. See
// SPEC_FULL.md §4.6. No ecosystem packet-simulation library appears
// anywhere in the retrieved pack, so this is built directly on
// math/rand and container/heap (documented in DESIGN.md as the justified
// standard-library exception).
package simulator

import (
	"container/heap"
	"math/rand"
	"time"

	"github.com/carterdugan/nbnet/driver"
)

// Simulator sits between the engine and a real driver.Driver, delaying and
// occasionally dropping or duplicating outgoing datagrams. Incoming
// datagrams pass through RecvPackets untouched: SPEC_FULL.md models network
// conditions on the send side only, matching how the teacher pack's
// reliability examples apply jitter.
type Simulator struct {
	inner driver.Driver
	rng   *rand.Rand

	// LossRatio is the probability, in [0,1], that an outgoing datagram is
	// silently dropped instead of scheduled.
	LossRatio float64
	// DuplicateRatio is the probability an outgoing datagram is scheduled
	// twice, each copy independently jittered.
	DuplicateRatio float64
	// JitterMS adds a uniform random delay in [0, JitterMS] milliseconds on
	// top of MinLatencyMS.
	JitterMS int
	// MinLatencyMS is the fixed floor added to every scheduled datagram.
	MinLatencyMS int

	now   time.Time
	queue scheduledQueue
}

// New returns a Simulator wrapping inner, seeded deterministically. It never
// touches the global math/rand source, so two Simulators sharing a seed
// reproduce identical drop/duplicate/jitter decisions.
func New(inner driver.Driver, seed int64) *Simulator {
	return &Simulator{inner: inner, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Start() error { return s.inner.Start() }
func (s *Simulator) Stop() error  { return s.inner.Stop() }

// RecvPackets passes straight through to the wrapped driver.
func (s *Simulator) RecvPackets(dst []driver.Datagram) ([]driver.Datagram, error) {
	return s.inner.RecvPackets(dst)
}

// SendPacket decides whether to drop, duplicate, and schedule the datagram
// for later delivery to the wrapped driver, rather than sending it now.
func (s *Simulator) SendPacket(peer driver.IPAddress, data []byte) error {
	if s.LossRatio > 0 && s.rng.Float64() < s.LossRatio {
		return nil
	}
	if s.now.IsZero() {
		// No Tick yet: schedule from the current time rather than the zero
		// time, so the latency floor still applies to the first sends.
		s.now = time.Now()
	}
	copies := 1
	if s.DuplicateRatio > 0 && s.rng.Float64() < s.DuplicateRatio {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		cp := make([]byte, len(data))
		copy(cp, data)
		latency := time.Duration(s.MinLatencyMS) * time.Millisecond
		if s.JitterMS > 0 {
			latency += time.Duration(s.rng.Intn(s.JitterMS+1)) * time.Millisecond
		}
		heap.Push(&s.queue, &scheduledDatagram{
			deliverAt: s.now.Add(latency),
			peer:      peer,
			data:      cp,
		})
	}
	return nil
}

// Tick advances the simulator's clock and flushes every datagram whose
// scheduled delivery time has arrived to the wrapped driver. Call once per
// engine tick, before AddTime drains the wrapped driver.
func (s *Simulator) Tick(now time.Time) error {
	s.now = now
	for s.queue.Len() > 0 && !s.queue[0].deliverAt.After(now) {
		item := heap.Pop(&s.queue).(*scheduledDatagram)
		if err := s.inner.SendPacket(item.peer, item.data); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports how many datagrams are still in flight, awaiting their
// scheduled delivery time.
func (s *Simulator) Pending() int { return s.queue.Len() }

type scheduledDatagram struct {
	deliverAt time.Time
	peer      driver.IPAddress
	data      []byte
}

// scheduledQueue is a container/heap min-heap ordered by deliverAt.
type scheduledQueue []*scheduledDatagram

func (q scheduledQueue) Len() int { return len(q) }
func (q scheduledQueue) Less(i, j int) bool {
	return q[i].deliverAt.Before(q[j].deliverAt)
}
func (q scheduledQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *scheduledQueue) Push(x interface{}) {
	*q = append(*q, x.(*scheduledDatagram))
}

func (q *scheduledQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
