package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ch := c.After(10 * time.Second)
	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		require.Equal(t, start.Add(10*time.Second), fired)
	default:
		t.Fatal("expected timer to fire")
	}
	require.Equal(t, 0, c.Pending())
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var calls atomic.Int32
	done := make(chan struct{}, 1)

	stopped := c.AfterFunc(time.Minute, func() { calls.Add(1) })
	c.AfterFunc(2*time.Minute, func() {
		calls.Add(1)
		done <- struct{}{}
	})

	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())
	require.Equal(t, 1, c.Pending())

	c.Advance(3 * time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestFakeWaitForWaiters(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.After(time.Second)
	}()
	require.True(t, c.WaitForWaiters(1, time.Second))
	require.False(t, c.WaitForWaiters(2, 20*time.Millisecond))
}
