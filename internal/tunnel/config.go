package tunnel

import (
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"gardenlink/internal/constants"
)

// Options configure the WAN side of the station.
type Options struct {
	StationID string

	// Rendezvous server. An empty host disables the external path.
	RendezvousHost       string
	RendezvousPort       int
	RendezvousThumbprint string
	RendezvousTransport  string // tls or wss
	RendezvousPath       string
	RetryInterval        time.Duration

	// P2PPort is bound when a peer asks for a direct path; 0 picks a free port.
	P2PPort      int
	P2PMultiplex bool

	Cipher            string
	ConnectTimeout    time.Duration
	IOTimeout         time.Duration
	KeepAliveInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RendezvousPort == 0 {
		o.RendezvousPort = constants.DefaultRendezvousPort
	}
	if o.RendezvousTransport == "" {
		o.RendezvousTransport = constants.TransportTLS
	}
	if o.RendezvousPath == "" {
		o.RendezvousPath = constants.DefaultRendezvousPath
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = constants.DefaultRetryInterval
	}
	if o.Cipher == "" {
		o.Cipher = constants.CipherAESCBC
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = constants.DefaultIOTimeout
	}
	return o
}

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = constants.YamuxMaxStreamWindowSize
	config.AcceptBacklog = constants.YamuxAcceptBacklog
	config.EnableKeepAlive = true
	config.KeepAliveInterval = constants.YamuxKeepAliveInterval
	config.LogOutput = io.Discard
	return config
}
