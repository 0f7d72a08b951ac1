// Command nbnet-client dials an nbnet-server and sends a periodic reliable
// ping, logging every event it receives back. Grounded on core/main.go's
// config/signal-handling skeleton.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/sirupsen/logrus"

	"github.com/carterdugan/nbnet/config"
	"github.com/carterdugan/nbnet/driver"
	"github.com/carterdugan/nbnet/driver/udp"
	"github.com/carterdugan/nbnet/endpoint"
	"github.com/carterdugan/nbnet/nblog"
)

const tickInterval = 20 * time.Millisecond

func main() {
	fs := flag.NewFlagSet("nbnet-client", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	serverAddr := fs.String("server", "127.0.0.1:7777", "Server address to connect to")
	rtx.Must(config.ParseWithEnv(fs, os.Args[1:]), "could not parse flags")

	log := nblog.New()
	peer, err := parseIPAddress(*serverAddr)
	rtx.Must(err, "invalid -server address %q", *serverAddr)

	drv := udp.New("0.0.0.0", 0)
	cl := endpoint.NewClient(cfg.EndpointConfig(), drv)
	now := time.Now()
	rtx.Must(cl.Start(peer, now), "could not start client")
	log.WithField("server", peer.String()).Info("dialing")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var pingCount uint32
	lastPing := now

	for {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("shutting down")
			rtx.Must(cl.Stop(), "error stopping client")
			return
		case now := <-ticker.C:
			if now.Sub(lastPing) >= time.Second {
				pingCount++
				payload := []byte(fmt.Sprintf("ping-%d", pingCount))
				if _, err := cl.SendReliable(payload); err != nil {
					log.WithField("error", err).Warn("ping send backpressured")
				}
				lastPing = now
			}
			runTick(log, cl, now)
		}
	}
}

func runTick(log logrus.FieldLogger, cl *endpoint.Client, now time.Time) {
	if err := cl.AddTime(now); err != nil {
		log.WithField("error", err).Error("add_time failed")
		return
	}
	for {
		evt := cl.Poll()
		if evt.Kind == endpoint.NoEvent {
			break
		}
		switch evt.Kind {
		case endpoint.EventConnected:
			nblog.Success(log, "connected")
		case endpoint.EventDisconnected:
			log.Warn("disconnected")
		case endpoint.EventMessageReceived:
			log.WithField("payload", string(evt.Payload)).Info("received echo")
		}
	}
	if err := cl.Flush(); err != nil {
		log.WithField("error", err).Error("flush failed")
	}
}

func parseIPAddress(hostport string) (driver.IPAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return driver.IPAddress{}, err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return driver.IPAddress{}, fmt.Errorf("not an IPv4 address: %q", host)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return driver.IPAddress{}, err
	}
	return driver.IPAddress{Host: binary.BigEndian.Uint32(ip), Port: uint16(port)}, nil
}
