package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
)

func noop(context.Context) error { return nil }

func TestGuard_Lifecycle(t *testing.T) {
	g := New("test", time.Second, nil)
	assert.False(t, g.Connected())

	require.NoError(t, g.Connect(context.Background(), noop))
	assert.True(t, g.Connected())

	closed := false
	require.NoError(t, g.Disconnect(func() error { closed = true; return nil }))
	assert.True(t, closed)
	assert.False(t, g.Connected())
}

func TestGuard_SecondConnectFails(t *testing.T) {
	g := New("test", time.Second, nil)
	require.NoError(t, g.Connect(context.Background(), noop))

	err := g.Connect(context.Background(), noop)

	assert.ErrorIs(t, err, domainerrors.ErrConnection)
	assert.Contains(t, err.Error(), "already connected")
	assert.True(t, g.Connected())
}

func TestGuard_FailedConnectStaysDisconnected(t *testing.T) {
	g := New("test", time.Second, nil)
	refused := errors.New("connection refused")

	err := g.Connect(context.Background(), func(context.Context) error { return refused })

	assert.ErrorIs(t, err, domainerrors.ErrConnection)
	assert.ErrorIs(t, err, refused)
	assert.False(t, g.Connected())
}

func TestGuard_DisconnectWhenDisconnectedIsNoop(t *testing.T) {
	g := New("test", time.Second, nil)

	called := false
	require.NoError(t, g.Disconnect(func() error { called = true; return nil }))
	assert.False(t, called)

	require.NoError(t, g.Connect(context.Background(), noop))
	require.NoError(t, g.Disconnect(func() error { return nil }))
	require.NoError(t, g.Disconnect(func() error { called = true; return nil }))
	assert.False(t, called)
}

func TestGuard_EnterRequiresConnection(t *testing.T) {
	g := New("test", time.Second, nil)

	_, _, err := g.Enter(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrConnection)
	assert.Equal(t, "data source must be connected before using it", err.Error())
}

func TestGuard_EnterAppliesTimeout(t *testing.T) {
	g := New("test", 50*time.Millisecond, nil)
	require.NoError(t, g.Connect(context.Background(), noop))

	ctx, done, err := g.Enter(context.Background())
	require.NoError(t, err)
	defer done()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
}

func TestGuard_DisconnectWaitsForOperations(t *testing.T) {
	g := New("test", time.Second, nil)
	require.NoError(t, g.Connect(context.Background(), noop))

	_, done, err := g.Enter(context.Background())
	require.NoError(t, err)

	disconnected := make(chan struct{})
	go func() {
		_ = g.Disconnect(func() error { return nil })
		close(disconnected)
	}()

	select {
	case <-disconnected:
		t.Fatal("disconnect must wait for the running operation")
	case <-time.After(20 * time.Millisecond):
	}

	done()
	<-disconnected
	assert.False(t, g.Connected())
}

func TestPersistence(t *testing.T) {
	assert.NoError(t, Persistence(nil, "put"))

	err := Persistence(errors.New("disk full"), "put tag")
	assert.ErrorIs(t, err, domainerrors.ErrPersistence)
	assert.Contains(t, err.Error(), "put tag failed")

	err = Persistence(context.DeadlineExceeded, "find tag")
	assert.ErrorIs(t, err, domainerrors.ErrPersistence)
	assert.Contains(t, err.Error(), "timed out")

	assert.Same(t, ErrNotConnected, Persistence(ErrNotConnected, "delete").(*domainerrors.Error))
}
