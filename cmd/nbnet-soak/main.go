// Command nbnet-soak drives a configurable number of simulated clients
// against a single loopback server through simulator.Simulator, runs for a
// fixed duration, and writes a per-connection CSV summary on exit. Grounded
// on m-lab-tcp-info/cmd/csvtool's gocsv.Marshal usage, repurposed from a
// TCP-info dump to a connection-health report.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/carterdugan/nbnet/config"
	"github.com/carterdugan/nbnet/driver"
	"github.com/carterdugan/nbnet/endpoint"
	"github.com/carterdugan/nbnet/nblog"
	"github.com/carterdugan/nbnet/simulator"
)

const tickInterval = 10 * time.Millisecond

// loopbackHub is an in-memory driver.Driver that can address many peers by
// driver.IPAddress, standing in for the server side of a real socket.
// SendPacket routes by the address the endpoint passes it, not by a fixed
// pairing, so one hub can serve every simulated client.
type loopbackHub struct {
	self  driver.IPAddress
	peers map[driver.IPAddress]*loopbackEnd
	inbox []driver.Datagram
}

func newLoopbackHub(self driver.IPAddress) *loopbackHub {
	return &loopbackHub{self: self, peers: make(map[driver.IPAddress]*loopbackEnd)}
}

func (h *loopbackHub) Start() error { return nil }
func (h *loopbackHub) Stop() error  { return nil }
func (h *loopbackHub) RecvPackets(dst []driver.Datagram) ([]driver.Datagram, error) {
	dst = append(dst, h.inbox...)
	h.inbox = nil
	return dst, nil
}
func (h *loopbackHub) SendPacket(peer driver.IPAddress, data []byte) error {
	end, ok := h.peers[peer]
	if !ok {
		return fmt.Errorf("loopback hub: unknown peer %s", peer)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	end.inbox = append(end.inbox, driver.Datagram{Peer: h.self, Data: cp})
	return nil
}

// loopbackEnd is one simulated client's in-memory driver.Driver, talking to
// a single fixed hub.
type loopbackEnd struct {
	self  driver.IPAddress
	hub   *loopbackHub
	inbox []driver.Datagram
}

func (h *loopbackHub) attach(clientAddr driver.IPAddress) *loopbackEnd {
	end := &loopbackEnd{self: clientAddr, hub: h}
	h.peers[clientAddr] = end
	return end
}

func (e *loopbackEnd) Start() error { return nil }
func (e *loopbackEnd) Stop() error  { return nil }
func (e *loopbackEnd) RecvPackets(dst []driver.Datagram) ([]driver.Datagram, error) {
	dst = append(dst, e.inbox...)
	e.inbox = nil
	return dst, nil
}
func (e *loopbackEnd) SendPacket(peer driver.IPAddress, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	e.hub.inbox = append(e.hub.inbox, driver.Datagram{Peer: e.self, Data: cp})
	return nil
}

func main() {
	fs := flag.NewFlagSet("nbnet-soak", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	numClients := fs.Int("clients", 4, "Number of simulated clients")
	durationSec := fs.Int("duration-sec", 10, "Soak test duration in seconds")
	lossRatio := fs.Float64("loss-ratio", 0.05, "Simulated packet loss ratio [0,1]")
	jitterMS := fs.Int("jitter-ms", 30, "Simulated latency jitter in milliseconds")
	seed := fs.Int64("seed", 1, "Simulator random seed")
	outPath := fs.String("out", "", "CSV output path; empty means stdout")
	rtx.Must(config.ParseWithEnv(fs, os.Args[1:]), "could not parse flags")

	log := nblog.New()
	now := time.Now()

	serverAddr := driver.IPAddress{Host: 0x7F000001, Port: 9000}
	hub := newLoopbackHub(serverAddr)
	srv := endpoint.NewServer(cfg.EndpointConfig(), hub)
	rtx.Must(srv.Start(now), "server start")

	clients := make([]*endpoint.Client, *numClients)
	sims := make([]*simulator.Simulator, *numClients)
	for i := 0; i < *numClients; i++ {
		clientAddr := driver.IPAddress{Host: 0x7F000001, Port: uint16(10000 + i)}
		clientSide := hub.attach(clientAddr)

		sim := simulator.New(clientSide, *seed+int64(i))
		sim.LossRatio = *lossRatio
		sim.JitterMS = *jitterMS

		cl := endpoint.NewClient(cfg.EndpointConfig(), sim)
		rtx.Must(cl.Start(serverAddr, now), "client start")
		clients[i] = cl
		sims[i] = sim
	}

	log.WithField("clients", *numClients).WithField("duration_sec", *durationSec).Info("starting soak run")

	deadline := now.Add(time.Duration(*durationSec) * time.Second)
	var pingSeq uint32
	for t := now; t.Before(deadline); t = t.Add(tickInterval) {
		for i, cl := range clients {
			pingSeq++
			cl.SendReliable([]byte(fmt.Sprintf("soak-%d", pingSeq)))
			cl.Flush()
			sims[i].Tick(t)
			cl.AddTime(t)
			drainClientEvents(cl)
		}
		srv.AddTime(t)
		drainServerEvents(srv)
		srv.Flush()
	}

	rows := srv.Stats()
	var w *os.File
	if *outPath == "" {
		w = os.Stdout
	} else {
		var err error
		w, err = os.Create(*outPath)
		rtx.Must(err, "could not create output file")
		defer w.Close()
	}
	rtx.Must(gocsv.Marshal(rows, w), "could not write CSV report")
	log.WithField("connections", len(rows)).Info("soak run complete")
}

func drainClientEvents(cl *endpoint.Client) {
	for {
		if evt := cl.Poll(); evt.Kind == endpoint.NoEvent {
			return
		}
	}
}

func drainServerEvents(srv *endpoint.Server) {
	for {
		evt := srv.Poll()
		if evt.Kind == endpoint.NoEvent {
			return
		}
		if evt.Kind == endpoint.EventNewConnection {
			srv.AcceptIncoming(evt.Peer)
		}
	}
}
