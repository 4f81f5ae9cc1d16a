package ldcerttest

import (
	"fmt"
	"testing"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/stretchr/testify/require"
)

// Peers is a set of identities whose CAs all trust each other,
// which is the usual setup for a test cluster.
type Peers struct {
	Pool *ldcert.Pool

	CAs    []*CA
	Leaves []*LeafCert

	Providers []*ldcert.PoolProvider
}

// NewPeers generates count identities, each with its own CA,
// all sharing one trust pool.
// The leaf for index i is named "node%02d.example.com".
func NewPeers(t testing.TB, count int, nextProtos ...string) *Peers {
	t.Helper()

	p := &Peers{
		Pool: ldcert.NewPool(),

		CAs:       make([]*CA, count),
		Leaves:    make([]*LeafCert, count),
		Providers: make([]*ldcert.PoolProvider, count),
	}

	for i := range count {
		ca, err := GenerateCA(FastConfig())
		require.NoError(t, err)

		leaf, err := ca.CreateLeafCert(LeafConfig{
			DNSNames: []string{fmt.Sprintf("node%02d.example.com", i)},
		})
		require.NoError(t, err)

		p.Pool.AddCA(ca.Cert)

		prov, err := ldcert.NewPoolProvider(leaf.TLSCert, p.Pool, nextProtos...)
		require.NoError(t, err)

		p.CAs[i] = ca
		p.Leaves[i] = leaf
		p.Providers[i] = prov
	}

	return p
}
