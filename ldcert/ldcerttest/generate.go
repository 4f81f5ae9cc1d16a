// Package ldcerttest generates throwaway CAs and leaf certificates for tests.
package ldcerttest

import (
	"crypto"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/march-github/LogDevice/ldcert"
)

// Certificates are backdated by this much to tolerate clock skew
// between the generating test and the verifying transport.
const backdate = 15 * time.Second

// CAConfig is the configuration for generating a CA.
type CAConfig struct {
	// If zero, a day.
	Lifetime time.Duration

	// If nil, a fixed test subject is used.
	Subject *pkix.Name
}

// LeafConfig is the configuration for generating a leaf.
type LeafConfig struct {
	// If zero, a day.
	Lifetime time.Duration

	// At least one name is required.
	// The first name becomes the certificate's principal.
	DNSNames []string
}

// CA is a certificate authority with an ed25519 key.
type CA struct {
	Cert *x509.Certificate

	Key ed25519.PrivateKey
}

// LeafCert is a certificate issued by a [CA].
type LeafCert struct {
	Cert *x509.Certificate

	// Ready to place in a tls.Config.
	TLSCert tls.Certificate

	Chain ldcert.Chain
}

// FastConfig returns a short-lived config, for tests that generate many CAs.
func FastConfig() CAConfig {
	return CAConfig{Lifetime: time.Hour}
}

// GenerateCA generates a new self-signed CA.
func GenerateCA(cfg CAConfig) (*CA, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	subject := pkix.Name{
		Organization: []string{"LogDevice Test"},
		CommonName:   "LogDevice Test CA",
	}
	if cfg.Subject != nil {
		subject = *cfg.Subject
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      subject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(lifetime(cfg.Lifetime)),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,

		// Leaves are used as both client and server,
		// and may not have usages their issuer lacks.
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},

		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            ldcert.MaxIntermediateLen + 2,
	}

	cert, err := issue(tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, Key: priv}, nil
}

// CreateLeafCert issues a new leaf certificate from ca.
func (ca *CA) CreateLeafCert(cfg LeafConfig) (*LeafCert, error) {
	if len(cfg.DNSNames) == 0 {
		panic(errors.New("BUG: LeafConfig needs at least one DNS name"))
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: cfg.DNSNames[0]},
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(lifetime(cfg.Lifetime)),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,

		DNSNames: cfg.DNSNames,

		// Test clusters listen on loopback, and a dial by address
		// is only verifiable with an IP SAN.
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	cert, err := issue(tmpl, ca.Cert, pub, ca.Key)
	if err != nil {
		return nil, err
	}

	return &LeafCert{
		Cert: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  priv,
			Leaf:        cert,
		},
		Chain: ldcert.Chain{Leaf: cert, Root: ca.Cert},
	}, nil
}

// issue signs tmpl with the parent's key and parses the result.
func issue(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(nil, tmpl, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("signing %q: %w", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", tmpl.Subject.CommonName, err)
	}
	return cert, nil
}

func lifetime(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func newSerial() *big.Int {
	n, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		panic(fmt.Errorf("BUG: crypto/rand failed: %w", err))
	}
	return n
}
