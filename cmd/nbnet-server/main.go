// Command nbnet-server runs a demo nbnet server over a real UDP socket,
// echoing every received reliable message back to its sender. Grounded on
// core/main.go's config-load/signal-handling skeleton, adapted from the
// teacher's background-goroutine server loop to the engine's
// single-threaded cooperative tick model.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/carterdugan/nbnet/config"
	"github.com/carterdugan/nbnet/driver/udp"
	"github.com/carterdugan/nbnet/endpoint"
	"github.com/carterdugan/nbnet/nblog"
)

const tickInterval = 20 * time.Millisecond

func main() {
	fs := flag.NewFlagSet("nbnet-server", flag.ExitOnError)
	cfg := config.RegisterFlags(fs)
	rtx.Must(config.ParseWithEnv(fs, os.Args[1:]), "could not parse flags")

	log := nblog.New()
	log.WithField("host", cfg.Host).WithField("port", cfg.Port).Info("starting nbnet-server")

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		rtx.Must(http.ListenAndServe(cfg.PrometheusAddr, nil), "prometheus exporter failed")
	}()

	drv := udp.New(cfg.Host, cfg.Port)
	srv := endpoint.NewServer(cfg.EndpointConfig(), drv)
	rtx.Must(srv.Start(time.Now()), "could not start server")
	log.Info("server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("shutting down")
			rtx.Must(srv.Stop(), "error stopping server")
			return
		case now := <-ticker.C:
			runTick(log, srv, now)
		}
	}
}

func runTick(log logrus.FieldLogger, srv *endpoint.Server, now time.Time) {
	if err := srv.AddTime(now); err != nil {
		log.WithField("error", err).Error("add_time failed")
		return
	}
	for {
		evt := srv.Poll()
		if evt.Kind == endpoint.NoEvent {
			break
		}
		switch evt.Kind {
		case endpoint.EventNewConnection:
			log.WithField("peer", evt.Peer.String()).Info("accepting new peer")
			if err := srv.AcceptIncoming(evt.Peer); err != nil {
				log.WithField("error", err).Warn("could not accept peer")
			}
		case endpoint.EventConnected:
			nblog.Success(nblog.WithConn(log, evt.Peer.String()), "peer connected")
		case endpoint.EventDisconnected:
			log.WithField("peer", evt.Peer.String()).Info("peer disconnected")
		case endpoint.EventMessageReceived:
			if _, err, ok := srv.SendReliableTo(evt.Peer, evt.Payload); ok && err != nil {
				log.WithField("error", err).Warn("echo send failed")
			}
		}
	}
	if err := srv.Flush(); err != nil {
		log.WithField("error", err).Error("flush failed")
	}
}
