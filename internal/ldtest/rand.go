package ldtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns sz bytes of pseudorandom data
// seeded from the test name, so a failing test sees
// the same data on every run.
func RandomDataForTest(t testing.TB, sz int) []byte {
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)
	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}

// RandForTest returns a *rand.Rand seeded from the test name.
func RandForTest(t testing.TB) *rand.Rand {
	seed := sha256.Sum256([]byte(t.Name() + "/rand"))
	return rand.New(rand.NewChaCha8(seed))
}
