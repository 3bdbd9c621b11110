// Package testutil provides helpers for tests that need a real TLS
// endpoint: throwaway self-signed certificates and matching client and
// server TLS configurations with the HTTP/2 ALPN identifier wired in.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

// GenerateSelfSignedCertKeyPEM generates a self-signed X.509
// certificate and private key as PEM-encoded byte slices. The hostname
// is added to the certificate's DNS names or IP addresses; localhost
// and 127.0.0.1 are always included for test convenience.
func GenerateSelfSignedCertKeyPEM(hostname string) (certPEM []byte, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(net.ParseIP("127.0.0.1")) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != "localhost" && hostname != "" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	return certPEM, keyPEM, nil
}

// TLSConfigPair generates a throwaway certificate for hostname and
// returns matched server and client TLS configurations. The server
// side advertises HTTP/2 over ALPN; the client side trusts exactly the
// generated certificate.
func TLSConfigPair(hostname string) (server *tls.Config, client *tls.Config, err error) {
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM(hostname)
	if err != nil {
		return nil, nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, nil, errors.New("failed to add generated certificate to pool")
	}

	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: hostname,
		NextProtos: []string{"h2"},
	}
	return server, client, nil
}
