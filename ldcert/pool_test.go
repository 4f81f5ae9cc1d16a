package ldcert_test

import (
	"crypto/x509"
	"testing"

	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldcert/ldcerttest"
	"github.com/stretchr/testify/require"
)

func generateCAs(t *testing.T, n int) []*x509.Certificate {
	t.Helper()

	out := make([]*x509.Certificate, n)
	for i := range out {
		ca, err := ldcerttest.GenerateCA(ldcerttest.FastConfig())
		require.NoError(t, err)
		out[i] = ca.Cert
	}
	return out
}

func TestPool_addRemove(t *testing.T) {
	t.Parallel()

	cas := generateCAs(t, 2)
	p := ldcert.NewPool()
	require.False(t, p.Contains(cas[0]))

	before := p.CertPool()
	p.AddCA(cas[0])
	require.True(t, p.Contains(cas[0]))
	require.NotSame(t, before, p.CertPool(), "cert pool must be rebuilt after a change")

	p.RemoveCA(cas[0])
	require.False(t, p.Contains(cas[0]))
}

func TestPool_NotifyRemoval(t *testing.T) {
	t.Parallel()

	cas := generateCAs(t, 2)
	p := ldcert.NewPoolFromCerts(cas)

	ch0 := p.NotifyRemoval(cas[0])
	ch1 := p.NotifyRemoval(cas[1])
	require.NotNil(t, ch0)
	require.NotNil(t, ch1)

	p.RemoveCA(cas[0])
	ldtest.IsSending(t, ch0)
	ldtest.NotSending(t, ch1)

	require.Nil(t, p.NotifyRemoval(cas[0]), "removed CA cannot be watched")
}

func TestPool_UpdateCAs(t *testing.T) {
	t.Parallel()

	cas := generateCAs(t, 3)
	p := ldcert.NewPoolFromCerts(cas[:2])

	ch0 := p.NotifyRemoval(cas[0])
	ch1 := p.NotifyRemoval(cas[1])

	p.UpdateCAs(cas[1:])

	ldtest.IsSending(t, ch0)
	ldtest.NotSending(t, ch1)
	require.True(t, p.Contains(cas[2]))
}
