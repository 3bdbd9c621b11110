package h2

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// Negotiated-protocol identifiers accepted as HTTP/2.
const (
	// ProtocolH2 is the primary ALPN identifier for HTTP/2 over TLS.
	ProtocolH2 = "h2"
	// ProtocolH2C is the plaintext-upgrade identifier used when TLS is
	// not in play.
	ProtocolH2C = "h2c"
)

// supportedProtocols lists every identifier we will accept from
// negotiation, the primary one first plus the historical draft names
// some servers still answer with.
var supportedProtocols = []string{ProtocolH2, "h2-16", "h2-15", "h2-14", ProtocolH2C}

// acceptableProtocol reports whether a negotiated (or forced) protocol
// identifies HTTP/2.
func acceptableProtocol(proto string) bool {
	for _, p := range supportedProtocols {
		if p == proto {
			return true
		}
	}
	return false
}

// dialTCP opens the raw TCP connection to host:port.
func dialTCP(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "TCP connect to %s failed", addr)
	}
	return conn, nil
}

// wrapTLS wraps a raw socket in TLS, runs the handshake, and returns
// the wrapped socket plus the negotiated application protocol. A nil
// tlsCfg gets a default config advertising the supported HTTP/2
// identifiers for serverName. forceProto, when non-empty, overrides
// whatever the handshake negotiated (for servers with broken or absent
// ALPN).
func wrapTLS(raw net.Conn, serverName string, tlsCfg *tls.Config, forceProto string) (net.Conn, string, error) {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = serverName
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{ProtocolH2, "h2-16", "h2-15", "h2-14"}
	}

	tconn := tls.Client(raw, tlsCfg)
	if err := tconn.Handshake(); err != nil {
		raw.Close()
		return nil, "", errors.Wrapf(err, "TLS handshake with %s failed", serverName)
	}

	proto := tconn.ConnectionState().NegotiatedProtocol
	if forceProto != "" {
		proto = forceProto
	}
	return tconn, proto, nil
}
