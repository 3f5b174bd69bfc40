package pool

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownOnSignal(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)

	done := m.ShutdownOnSignal(context.Background(), time.Second, syscall.SIGUSR1)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("pool was not shut down on signal")
	}
	_, err := m.Acquire(context.Background(), AcquireOptions{})
	require.ErrorIs(t, err, ErrPoolClosed)
	require.Equal(t, d.dials.Load(), d.closes.Load())
}

func TestShutdownOnSignal_ContextCancelled(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeDialer())
	ctx, cancel := context.WithCancel(context.Background())
	done := m.ShutdownOnSignal(ctx, time.Second)
	cancel()

	_, ok := <-done
	require.False(t, ok)
	conn, err := m.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	m.Release(conn)
}
