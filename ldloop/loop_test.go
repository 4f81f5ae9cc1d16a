package ldloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/stretchr/testify/require"
)

func TestLoop_runsTasksInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := ldloop.NewLoop(ctx, ldtest.NewLogger(t), nil)

	ch := make(chan int, 10)
	for i := range 10 {
		require.True(t, l.Post(func() { ch <- i }))
	}

	for i := range 10 {
		require.Equal(t, i, ldtest.ReceiveSoon(t, ch))
	}

	cancel()
	l.Wait()

	require.False(t, l.Post(func() {}))
}

func TestLoop_postFromTaskRunsLater(t *testing.T) {
	t.Parallel()

	l := ldloop.NewLoop(t.Context(), ldtest.NewLogger(t), nil)

	ch := make(chan string, 2)
	l.Post(func() {
		l.Post(func() { ch <- "inner" })
		ch <- "outer"
	})

	require.Equal(t, "outer", ldtest.ReceiveSoon(t, ch))
	require.Equal(t, "inner", ldtest.ReceiveSoon(t, ch))
}

func TestLoop_AfterFunc(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := ldloop.NewLoop(t.Context(), ldtest.NewLogger(t), clk)

	fired := make(chan time.Time, 1)
	l.AfterFunc(time.Second, func() { fired <- l.Now() })

	clk.Add(500 * time.Millisecond)
	ldtest.NotSending(t, fired)

	clk.Add(500 * time.Millisecond)
	ldtest.ReceiveSoon(t, fired)
}

func TestLoop_stoppedTimerDoesNotFire(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	l := ldloop.NewLoop(t.Context(), ldtest.NewLogger(t), clk)

	fired := make(chan struct{}, 1)
	stopped := make(chan bool, 1)
	l.Post(func() {
		tm := l.AfterFunc(time.Second, func() { fired <- struct{}{} })
		stopped <- tm.Stop()
	})
	require.True(t, ldtest.ReceiveSoon(t, stopped))

	clk.Add(2 * time.Second)

	// Give a wrongly delivered timer a chance to show up.
	synced := make(chan struct{})
	l.Post(func() { close(synced) })
	ldtest.ReceiveSoon(t, synced)
	ldtest.NotSending(t, fired)
}
