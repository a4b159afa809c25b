//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerReadiness(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Register(fds[0], Readable))
	events := make([]Event, 4)
	n, err := p.Wait(events, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing written yet")

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	n, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, fds[0], events[0].Fd)
	assert.True(t, events[0].Readable)
	assert.False(t, events[0].Hangup)

	require.NoError(t, p.Modify(fds[0], Readable|Writable))
	n, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Writable)

	require.NoError(t, p.Unregister(fds[0]))
	require.NoError(t, p.Unregister(fds[0]))
	n, err = p.Wait(events, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollerHangup(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, p.Register(fds[0], Readable))
	require.NoError(t, unix.Close(fds[1]))

	events := make([]Event, 1)
	n, err := p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Hangup)
}

func TestPollerClosed(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Wait(make([]Event, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Register(0, Readable), ErrClosed)
}

func TestPollerOneShot(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Register(fds[0], Readable|OneShot))
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events := make([]Event, 2)
	n, err := p.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// still readable, but disarmed until re-armed
	n, err = p.Wait(events, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.Modify(fds[0], Readable|OneShot))
	n, err = p.Wait(events, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
