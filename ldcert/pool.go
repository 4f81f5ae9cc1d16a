package ldcert

import (
	"crypto/x509"
	"sync"
)

// Pool is a mutable set of trusted CA certificates.
// It is safe for concurrent use.
//
// Established connections can ask to be told when
// the CA that verified their peer is removed,
// via [*Pool.NotifyRemoval].
type Pool struct {
	mu  sync.RWMutex
	cas map[string]*x509.Certificate

	removals map[string]chan struct{}

	lazyCertPool func() *x509.CertPool
}

// NewPool returns a pool that trusts nothing yet.
func NewPool() *Pool {
	return NewPoolFromCerts(nil)
}

// NewPoolFromCerts returns a pool trusting the given certificates.
func NewPoolFromCerts(certs []*x509.Certificate) *Pool {
	p := &Pool{
		cas:      make(map[string]*x509.Certificate, len(certs)),
		removals: make(map[string]chan struct{}),
	}
	for _, cert := range certs {
		p.cas[string(cert.Signature)] = cert
	}

	// No contention is possible before we return.
	p.lockedUpdateLazyCertPool()
	return p
}

// CertPool returns an [*x509.CertPool] of the current CAs.
// The returned pool is shared until the CA set changes,
// so it must not be modified.
func (p *Pool) CertPool() *x509.CertPool {
	p.mu.RLock()
	f := p.lazyCertPool
	p.mu.RUnlock()
	return f()
}

// Contains reports whether cert is currently trusted.
func (p *Pool) Contains(cert *x509.Certificate) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.cas[string(cert.Signature)]
	return ok
}

// AddCA adds a single CA certificate.
func (p *Pool) AddCA(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cas[string(cert.Signature)] = cert
	p.lockedUpdateLazyCertPool()
}

// RemoveCA removes cert, notifying any watchers of it.
func (p *Pool) RemoveCA(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(cert.Signature)
	delete(p.cas, key)
	p.lockedNotifyRemoved(key)
	p.lockedUpdateLazyCertPool()
}

// UpdateCAs replaces the entire CA set,
// notifying watchers of every CA that is no longer present.
func (p *Pool) UpdateCAs(certs []*x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*x509.Certificate, len(certs))
	for _, cert := range certs {
		next[string(cert.Signature)] = cert
	}
	for key := range p.cas {
		if _, ok := next[key]; !ok {
			p.lockedNotifyRemoved(key)
		}
	}
	p.cas = next

	p.lockedUpdateLazyCertPool()
}

// NotifyRemoval returns a channel that is closed
// when ca is removed from the pool.
// It returns nil if ca is not currently in the pool.
func (p *Pool) NotifyRemoval(ca *x509.Certificate) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(ca.Signature)
	if _, ok := p.cas[key]; !ok {
		return nil
	}

	ch, ok := p.removals[key]
	if !ok {
		ch = make(chan struct{})
		p.removals[key] = ch
	}
	return ch
}

func (p *Pool) lockedNotifyRemoved(key string) {
	if ch, ok := p.removals[key]; ok {
		close(ch)
		delete(p.removals, key)
	}
}

func (p *Pool) lockedUpdateLazyCertPool() {
	cas := make([]*x509.Certificate, 0, len(p.cas))
	for _, ca := range p.cas {
		cas = append(cas, ca)
	}
	p.lazyCertPool = sync.OnceValue(func() *x509.CertPool {
		cp := x509.NewCertPool()
		for _, ca := range cas {
			cp.AddCert(ca)
		}
		return cp
	})
}
