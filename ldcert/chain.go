// Package ldcert contains the certificate handling shared by
// both transport backends: the peer's verified chain,
// a mutable pool of trusted CAs, and the TLS configuration provider.
package ldcert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"iter"
	"slices"
)

// MaxIntermediateLen bounds the number of intermediate certificates
// accepted in a peer's chain.
const MaxIntermediateLen = 7

// Chain is a peer's verified certificate chain.
//
// A Chain has a non-nil leaf and root,
// and up to [MaxIntermediateLen] intermediates.
// It is small and passed by value.
type Chain struct {
	Leaf *x509.Certificate

	Intermediate []*x509.Certificate

	Root *x509.Certificate
}

// NewChainFromCerts builds a Chain from a leaf-first list of certificates,
// as found in [tls.ConnectionState.VerifiedChains].
func NewChainFromCerts(certs []*x509.Certificate) (Chain, error) {
	if len(certs) < 2 {
		return Chain{}, fmt.Errorf(
			"chain must have at least two entries (got %d)", len(certs),
		)
	}
	if len(certs) > 2+MaxIntermediateLen {
		return Chain{}, fmt.Errorf(
			"chain is limited to %d intermediate certificates (full chain had %d)",
			MaxIntermediateLen, len(certs)-2,
		)
	}

	chain := Chain{
		Leaf: certs[0],
		Root: certs[len(certs)-1],
	}
	if len(certs) > 2 {
		chain.Intermediate = slices.Clip(certs[1 : len(certs)-1])
	}
	return chain, nil
}

// NewChainFromTLSConnectionState returns the first verified chain in s.
func NewChainFromTLSConnectionState(s tls.ConnectionState) (Chain, error) {
	if len(s.VerifiedChains) == 0 {
		return Chain{}, errors.New("connection state had no verified chains")
	}
	return NewChainFromCerts(s.VerifiedChains[0])
}

func (c Chain) Validate() error {
	var err error
	if c.Leaf == nil {
		err = errors.Join(err, errors.New("Chain.Leaf must not be nil"))
	}
	if len(c.Intermediate) > MaxIntermediateLen {
		err = errors.Join(err, fmt.Errorf(
			"%d intermediate entries exceeds limit of %d",
			len(c.Intermediate), MaxIntermediateLen,
		))
	}
	if c.Root == nil {
		err = errors.Join(err, errors.New("Chain.Root must not be nil"))
	}
	return err
}

// Len returns the total number of certificates in the chain.
func (c Chain) Len() int {
	return 2 + len(c.Intermediate)
}

// All iterates from the leaf to the root.
func (c Chain) All() iter.Seq[*x509.Certificate] {
	return func(yield func(*x509.Certificate) bool) {
		if !yield(c.Leaf) {
			return
		}
		for _, i := range c.Intermediate {
			if !yield(i) {
				return
			}
		}
		yield(c.Root)
	}
}

// Principal is the identity the leaf certificate asserts:
// its first DNS name, or its common name if it has none.
func (c Chain) Principal() string {
	if c.Leaf == nil {
		return ""
	}
	if len(c.Leaf.DNSNames) > 0 {
		return c.Leaf.DNSNames[0]
	}
	return c.Leaf.Subject.CommonName
}
