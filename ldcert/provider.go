package ldcert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// Provider supplies TLS configuration to transports.
// The connection itself treats the result as opaque.
type Provider interface {
	// ClientConfig returns the configuration for dialing serverName.
	ClientConfig(serverName string) *tls.Config

	// ServerConfig returns the configuration for accepting connections.
	ServerConfig() *tls.Config

	// WatchPeer returns a channel closed when the CA
	// that verified chain is no longer trusted.
	// A nil result means the peer is never revoked.
	WatchPeer(chain Chain) <-chan struct{}
}

// PoolProvider is a [Provider] presenting one certificate
// and trusting the CAs in a [*Pool].
// Mutual TLS is always required.
type PoolProvider struct {
	Cert tls.Certificate
	Pool *Pool

	// Optional ALPN protocols, required by QUIC.
	NextProtos []string
}

var _ Provider = (*PoolProvider)(nil)

// NewPoolProvider returns a PoolProvider, validating the certificate.
func NewPoolProvider(cert tls.Certificate, pool *Pool, nextProtos ...string) (*PoolProvider, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate has no DER data")
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	if pool == nil {
		return nil, errors.New("pool must not be nil")
	}

	return &PoolProvider{
		Cert:       cert,
		Pool:       pool,
		NextProtos: nextProtos,
	}, nil
}

func (p *PoolProvider) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.Cert},
		RootCAs:      p.Pool.CertPool(),
		ServerName:   serverName,
		NextProtos:   p.NextProtos,
		MinVersion:   tls.VersionTLS13,
	}
}

func (p *PoolProvider) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.Cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   p.NextProtos,
		MinVersion:   tls.VersionTLS13,

		// Certificates cannot be removed from an x509.CertPool,
		// so each handshake gets a config built from the current CA set.
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return &tls.Config{
				Certificates: []tls.Certificate{p.Cert},
				ClientAuth:   tls.RequireAndVerifyClientCert,
				ClientCAs:    p.Pool.CertPool(),
				NextProtos:   p.NextProtos,
				MinVersion:   tls.VersionTLS13,
			}, nil
		},
	}
}

func (p *PoolProvider) WatchPeer(chain Chain) <-chan struct{} {
	if chain.Root == nil {
		return nil
	}
	if ch := p.Pool.NotifyRemoval(chain.Root); ch != nil {
		return ch
	}

	// Removed between the handshake and now.
	ch := make(chan struct{})
	close(ch)
	return ch
}
