// Package config loads engine tunables from flags and environment
// variables, in the style of m-lab-tcp-info/main.go's flag.FlagSet plus
// flagx.ArgsFromEnv, rather than a bespoke struct-literal config like the
// teacher's core/main.go loadConfig.
package config

import (
	"flag"
	"time"

	"github.com/carterdugan/nbnet/endpoint"
	"github.com/m-lab/go/flagx"
)

// Config mirrors endpoint.Config plus the process-level settings (bind
// address, metrics port) a cmd/ binary needs.
type Config struct {
	Host string
	Port int

	ProtocolID              uint
	MaxPacketBytes          int
	MaxMessageBytes         uint
	MaxPeers                int
	ChannelWindow           int
	UnreliableBudgetPerTick int
	ResendDelayMS           int
	KeepaliveMS             int
	ConnectionTimeoutMS     int

	PrometheusAddr string
}

// RegisterFlags binds Config's fields onto fs with SPEC_FULL.md §6's
// defaults, returning a Config the caller fills in by calling fs.Parse
// (and flagx.ArgsFromEnv, for env-var overrides) before reading it back.
func RegisterFlags(fs *flag.FlagSet) *Config {
	cfg := &Config{}
	fs.StringVar(&cfg.Host, "host", "0.0.0.0", "Bind address")
	fs.IntVar(&cfg.Port, "port", 7777, "Bind port")
	fs.UintVar(&cfg.ProtocolID, "protocol-id", 0x4E424E54, "Protocol id stamped on every packet header")
	fs.IntVar(&cfg.MaxPacketBytes, "max-packet-bytes", 1024, "Maximum datagram size in bytes")
	fs.UintVar(&cfg.MaxMessageBytes, "max-message-bytes", 4096, "Maximum single message payload size in bytes")
	fs.IntVar(&cfg.MaxPeers, "max-peers", 32, "Maximum concurrently connected peers (server only)")
	fs.IntVar(&cfg.ChannelWindow, "channel-window", 512, "Per-channel send/recv window size")
	fs.IntVar(&cfg.UnreliableBudgetPerTick, "unreliable-budget-per-tick", 64, "Max unreliable messages sent per tick")
	fs.IntVar(&cfg.ResendDelayMS, "resend-delay-ms", 0, "Fixed reliable-channel resend delay; 0 for dynamic 2*RTT+4*RTTVar+10ms")
	fs.IntVar(&cfg.KeepaliveMS, "keepalive-ms", 1000, "Keepalive interval in milliseconds")
	fs.IntVar(&cfg.ConnectionTimeoutMS, "connection-timeout-ms", 5000, "Connection timeout in milliseconds; 0 disables")
	fs.StringVar(&cfg.PrometheusAddr, "prom", ":9090", "Prometheus metrics export address")
	return cfg
}

// ParseWithEnv parses fs against args and applies environment-variable
// overrides for any flag left at its default, matching
// m-lab-tcp-info/main.go's flag.Parse() + flagx.ArgsFromEnv(...) sequence.
func ParseWithEnv(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	return flagx.ArgsFromEnv(fs)
}

// EndpointConfig translates Config into endpoint.Config.
func (c *Config) EndpointConfig() endpoint.Config {
	cfg := endpoint.DefaultConfig()
	cfg.ProtocolID = uint32(c.ProtocolID)
	cfg.MaxPacketBytes = c.MaxPacketBytes
	cfg.MaxMessageBytes = uint32(c.MaxMessageBytes)
	cfg.MaxPeers = c.MaxPeers
	cfg.ChannelWindow = c.ChannelWindow
	cfg.UnreliableBudgetPerTick = c.UnreliableBudgetPerTick
	cfg.ResendDelay = time.Duration(c.ResendDelayMS) * time.Millisecond
	cfg.KeepaliveInterval = time.Duration(c.KeepaliveMS) * time.Millisecond
	cfg.ConnectionTimeout = time.Duration(c.ConnectionTimeoutMS) * time.Millisecond
	return cfg
}
