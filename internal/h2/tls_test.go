package h2

import (
	"crypto/tls"
	"net"
	"testing"

	"example.com/h2client/v2/internal/testutil"
)

func TestAcceptableProtocol(t *testing.T) {
	for _, proto := range []string{"h2", "h2-16", "h2-15", "h2-14", "h2c"} {
		if !acceptableProtocol(proto) {
			t.Errorf("acceptableProtocol(%q) = false", proto)
		}
	}
	for _, proto := range []string{"http/1.1", "spdy/3.1", ""} {
		if acceptableProtocol(proto) {
			t.Errorf("acceptableProtocol(%q) = true", proto)
		}
	}
}

func TestWrapTLSNegotiatesH2(t *testing.T) {
	serverCfg, clientCfg, err := testutil.TLSConfigPair("localhost")
	if err != nil {
		t.Fatalf("TLSConfigPair: %v", err)
	}

	clientRaw, serverRaw := net.Pipe()
	defer serverRaw.Close()

	serverDone := make(chan error, 1)
	go func() {
		srv := tls.Server(serverRaw, serverCfg)
		serverDone <- srv.Handshake()
	}()

	conn, proto, err := wrapTLS(clientRaw, "localhost", clientCfg, "")
	if err != nil {
		t.Fatalf("wrapTLS: %v", err)
	}
	defer conn.Close()
	if err := <-serverDone; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if proto != ProtocolH2 {
		t.Errorf("negotiated proto = %q, want h2", proto)
	}
}

func TestWrapTLSForceProtoOverride(t *testing.T) {
	serverCfg, clientCfg, err := testutil.TLSConfigPair("localhost")
	if err != nil {
		t.Fatalf("TLSConfigPair: %v", err)
	}
	// The server negotiates nothing recognizable; the override wins.
	serverCfg.NextProtos = nil
	clientCfg.NextProtos = nil

	clientRaw, serverRaw := net.Pipe()
	defer serverRaw.Close()
	go func() {
		srv := tls.Server(serverRaw, serverCfg)
		_ = srv.Handshake()
	}()

	conn, proto, err := wrapTLS(clientRaw, "localhost", clientCfg, ProtocolH2)
	if err != nil {
		t.Fatalf("wrapTLS: %v", err)
	}
	defer conn.Close()
	if proto != ProtocolH2 {
		t.Errorf("proto = %q, want forced h2", proto)
	}
}
