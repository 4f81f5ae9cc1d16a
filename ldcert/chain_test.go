package ldcert_test

import (
	"crypto/x509"
	"testing"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldcert/ldcerttest"
	"github.com/stretchr/testify/require"
)

func TestNewChainFromCerts(t *testing.T) {
	t.Parallel()

	ca, err := ldcerttest.GenerateCA(ldcerttest.FastConfig())
	require.NoError(t, err)
	leaf, err := ca.CreateLeafCert(ldcerttest.LeafConfig{DNSNames: []string{"node.example.com"}})
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		t.Parallel()
		_, err := ldcert.NewChainFromCerts([]*x509.Certificate{leaf.Cert})
		require.Error(t, err)
	})

	t.Run("too long", func(t *testing.T) {
		t.Parallel()
		certs := make([]*x509.Certificate, 3+ldcert.MaxIntermediateLen)
		for i := range certs {
			certs[i] = leaf.Cert
		}
		_, err := ldcert.NewChainFromCerts(certs)
		require.Error(t, err)
	})

	t.Run("leaf and root", func(t *testing.T) {
		t.Parallel()
		c, err := ldcert.NewChainFromCerts([]*x509.Certificate{leaf.Cert, ca.Cert})
		require.NoError(t, err)
		require.NoError(t, c.Validate())
		require.Nil(t, c.Intermediate)
		require.Equal(t, 2, c.Len())
		require.Equal(t, leaf.Chain, c)
		require.Equal(t, "node.example.com", c.Principal())

		var all []*x509.Certificate
		for cert := range c.All() {
			all = append(all, cert)
		}
		require.Equal(t, []*x509.Certificate{leaf.Cert, ca.Cert}, all)
	})
}

func TestChain_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, ldcert.Chain{}.Validate())
}
