package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2, logrus.New())
	var running, peak atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		go func() {
			_ = p.Submit(context.Background(), func(context.Context) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				running.Add(-1)
			})
		}()
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return running.Load() == 0 }, time.Second, 5*time.Millisecond)
	p.Close()
	require.Equal(t, int32(2), peak.Load())
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	p := New(1, logrus.New())
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.Close()
	require.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrClosed)
}

func TestPoolRecoversPanics(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	p := New(1, logger)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("bad task") }))
	p.Close()

	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	require.Equal(t, "bad task", hook.LastEntry().Data["panic"])
}
