package electrum

import (
	"fmt"
	"net"

	"github.com/multiformats/go-multiaddr"
)

// Transport is the framing used to talk to a server.
type Transport string

const (
	TransportTCP Transport = "tcp" // newline-delimited JSON over plain TCP
	TransportTLS Transport = "tls" // newline-delimited JSON over TLS
	TransportWS  Transport = "ws"  // one JSON message per websocket frame
	TransportWSS Transport = "wss" // websocket over TLS
)

// Endpoint is one indexing server candidate.
type Endpoint struct {
	Host      string
	Port      string
	Transport Transport
	Addr      multiaddr.Multiaddr
}

// ParseEndpoint parses a server multiaddr such as
// /dns4/electrum.example.org/tcp/50002/tls or /ip4/127.0.0.1/tcp/50003/ws.
func ParseEndpoint(s string) (Endpoint, error) {
	m, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS, multiaddr.P_IP4, multiaddr.P_IP6} {
		if v, err := m.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host component", s)
	}
	port, err := m.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q has no tcp port", s)
	}

	ep := Endpoint{Host: host, Port: port, Transport: TransportTCP, Addr: m}
	switch {
	case hasProtocol(m, multiaddr.P_WSS):
		ep.Transport = TransportWSS
	case hasProtocol(m, multiaddr.P_WS) && hasProtocol(m, multiaddr.P_TLS):
		ep.Transport = TransportWSS
	case hasProtocol(m, multiaddr.P_WS):
		ep.Transport = TransportWS
	case hasProtocol(m, multiaddr.P_TLS):
		ep.Transport = TransportTLS
	}
	return ep, nil
}

// ParseEndpoints parses every entry, failing on the first bad one.
func ParseEndpoints(specs []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(specs))
	for _, s := range specs {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func hasProtocol(m multiaddr.Multiaddr, code int) bool {
	_, err := m.ValueForProtocol(code)
	return err == nil
}

// HostPort returns host:port suitable for net.Dial.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// URL returns the websocket URL for ws/wss endpoints.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s/", e.Transport, e.HostPort())
}

func (e Endpoint) String() string {
	if e.Addr != nil {
		return e.Addr.String()
	}
	return fmt.Sprintf("%s/%s", e.HostPort(), e.Transport)
}
