package ldflow_test

import (
	"testing"
	"time"

	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldflow"
	"github.com/march-github/LogDevice/ldloop/ldlooptest"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/stretchr/testify/require"
)

type testWaiter struct {
	name string
	cost int
	pri  ldproto.Priority

	granted *[]string
}

func (w *testWaiter) Cost() int                  { return w.cost }
func (w *testWaiter) Priority() ldproto.Priority { return w.pri }
func (w *testWaiter) BandwidthAvailable()        { *w.granted = append(*w.granted, w.name) }

func TestGroup_unlimitedGrantsImmediately(t *testing.T) {
	t.Parallel()

	ex := ldlooptest.New()
	g := ldflow.NewGroup(ldtest.NewLogger(t), ex, ldflow.Unlimited())

	var granted []string
	g.Request(&testWaiter{name: "a", cost: 1 << 20, pri: ldproto.PriorityBackground, granted: &granted})
	require.Equal(t, []string{"a"}, granted)
	require.Zero(t, g.Queued())
}

func TestGroup_fifoWithinPriority(t *testing.T) {
	t.Parallel()

	ex := ldlooptest.New()
	var cfg ldflow.Config
	cfg.Rates[ldproto.PriorityClientNormal] = ldflow.Rate{BytesPerSecond: 1000, Burst: 100}
	g := ldflow.NewGroup(ldtest.NewLogger(t), ex, cfg)

	var granted []string
	w := func(name string, cost int) *testWaiter {
		return &testWaiter{name: name, cost: cost, pri: ldproto.PriorityClientNormal, granted: &granted}
	}

	g.Request(w("first", 100))
	require.Equal(t, []string{"first"}, granted)

	// Bucket is empty now, so these queue.
	g.Request(w("second", 50))
	g.Request(w("third", 10))
	require.Equal(t, 2, g.QueuedAt(ldproto.PriorityClientNormal))

	// Enough time for "third" but not "second";
	// "third" must not overtake.
	ex.Advance(20 * time.Millisecond)
	require.Equal(t, []string{"first"}, granted)

	ex.Advance(time.Second)
	require.Equal(t, []string{"first", "second", "third"}, granted)
	require.Zero(t, g.Queued())

	_, delayed := g.Stats(ldproto.PriorityClientNormal)
	require.Equal(t, uint64(2), delayed)
}

func TestGroup_prioritiesAreIndependent(t *testing.T) {
	t.Parallel()

	ex := ldlooptest.New()
	var cfg ldflow.Config
	cfg.Rates[ldproto.PriorityBackground] = ldflow.Rate{BytesPerSecond: 10, Burst: 10}
	g := ldflow.NewGroup(ldtest.NewLogger(t), ex, cfg)

	var granted []string
	g.Request(&testWaiter{name: "bg1", cost: 10, pri: ldproto.PriorityBackground, granted: &granted})
	g.Request(&testWaiter{name: "bg2", cost: 10, pri: ldproto.PriorityBackground, granted: &granted})
	g.Request(&testWaiter{name: "hi", cost: 1000, pri: ldproto.PriorityClientHigh, granted: &granted})

	require.Equal(t, []string{"bg1", "hi"}, granted)

	ex.Advance(time.Second + 10*time.Millisecond)
	require.Equal(t, []string{"bg1", "hi", "bg2"}, granted)
}

func TestGroup_oversizedRequestIsEventuallyGranted(t *testing.T) {
	t.Parallel()

	ex := ldlooptest.New()
	var cfg ldflow.Config
	cfg.Rates[ldproto.PriorityClientLow] = ldflow.Rate{BytesPerSecond: 100, Burst: 100}
	g := ldflow.NewGroup(ldtest.NewLogger(t), ex, cfg)

	var granted []string
	g.Request(&testWaiter{name: "huge", cost: 1 << 20, pri: ldproto.PriorityClientLow, granted: &granted})
	require.Equal(t, []string{"huge"}, granted)
}

func TestGroup_Withdraw(t *testing.T) {
	t.Parallel()

	ex := ldlooptest.New()
	var cfg ldflow.Config
	cfg.Rates[ldproto.PriorityClientNormal] = ldflow.Rate{BytesPerSecond: 100, Burst: 100}
	g := ldflow.NewGroup(ldtest.NewLogger(t), ex, cfg)

	var granted []string
	first := &testWaiter{name: "first", cost: 100, pri: ldproto.PriorityClientNormal, granted: &granted}
	second := &testWaiter{name: "second", cost: 100, pri: ldproto.PriorityClientNormal, granted: &granted}

	g.Request(first)
	g.Request(second)
	require.Equal(t, 1, g.Queued())

	require.True(t, g.Withdraw(second))
	require.False(t, g.Withdraw(second))
	require.Zero(t, ex.PendingTimers())

	ex.Advance(10 * time.Second)
	require.Equal(t, []string{"first"}, granted)
}
