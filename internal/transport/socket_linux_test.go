//go:build linux

package transport

import (
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/internal/check"
)

func pair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b, err := Socketpair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSocketRoundTrip(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, a.SetBlocking(true))
	require.NoError(t, b.SetBlocking(true))

	out := IOBufferString("GET /healthz HTTP/1.1\r\n\r\n")
	n, err := a.Write(out, out.Len())
	require.NoError(t, err)
	assert.Equal(t, out.Len(), n)

	in := NewIOBuffer(64)
	n, err = b.Read(in, in.Len())
	require.NoError(t, err)
	in.Resize(n)
	assert.Equal(t, out.String(), in.String())
}

func TestSocketReadAllWriteAll(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, a.SetBlocking(true))
	require.NoError(t, b.SetBlocking(true))

	payload := make([]byte, 256<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	done := make(chan error, 1)
	go func() {
		_, err := a.WriteAll(IOBufferFrom(payload), len(payload))
		done <- err
	}()

	in := NewIOBuffer(len(payload))
	n, err := b.ReadAll(in, in.Len())
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, in.Bytes())
	require.NoError(t, <-done)
}

func TestSocketReadAllShortStream(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, b.SetBlocking(true))
	_, err := a.WriteAll(IOBufferString("abc"), 3)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	n, err := b.ReadAll(NewIOBuffer(10), 10)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSocketWriteAllToClosedPeer(t *testing.T) {
	a, b := pair(t)
	require.NoError(t, b.Close())

	_, err := a.WriteAll(IOBufferString("lost"), 4)
	require.Error(t, err)
	assert.True(t, IsDisconnect(err), "got %v", err)
}

func TestSocketNonBlockingReadWouldBlock(t *testing.T) {
	a, _ := pair(t)
	assert.False(t, a.Blocking())
	_, err := a.Read(NewIOBuffer(8), 8)
	assert.True(t, IsWouldBlock(err), "got %v", err)
}

func TestSocketSizeBeyondBuffer(t *testing.T) {
	a, _ := pair(t)
	_, err := a.Write(NewIOBuffer(4), 5)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = a.ReadAll(nil, 1)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestOpenNegativeFd(t *testing.T) {
	v := check.Catch(func() { Open(-1) })
	require.NotNil(t, v)
	assert.Equal(t, "socket fd -1 < 0", v.Msg)
}

func TestSocketCloseTwice(t *testing.T) {
	a, _ := pair(t)
	require.NoError(t, a.Close())
	assert.False(t, a.Valid())
	assert.Equal(t, -1, a.Fd())
	require.NoError(t, a.Close())

	_, err := a.Read(NewIOBuffer(1), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSocketCloseFailureIsFatal(t *testing.T) {
	s := &Socket{fd: 1 << 20}
	v := check.Catch(func() { s.Close() })
	require.NotNil(t, v)
	assert.ErrorIs(t, v, unix.EBADF)
}

func TestSocketRelease(t *testing.T) {
	a, _ := pair(t)
	fd := a.Release()
	assert.GreaterOrEqual(t, fd, 0)
	assert.False(t, a.Valid())
	require.NoError(t, a.Close())
	require.NoError(t, unix.Close(fd))
}

func TestSocketApplyOptionsOnUnixSocket(t *testing.T) {
	a, _ := pair(t)
	a.SetNagle(true)
	assert.True(t, a.Nagle())
	assert.NoError(t, a.ApplyOptions())
}

func noDelay(t *testing.T, fd int) int {
	t.Helper()
	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	return v
}

func TestAcceptedPeerCarriesNagleFlag(t *testing.T) {
	for _, tc := range []struct {
		name    string
		nagle   bool
		noDelay int
	}{
		{"nagle off", false, 1},
		{"nagle on", true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, err := Listen("", 0, 16)
			require.NoError(t, err)
			defer l.Close()
			l.SetNagle(tc.nagle)

			host, port := l.Addr()
			conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			require.NoError(t, err)
			defer conn.Close()

			var peer *Socket
			require.Eventually(t, func() bool {
				peer, _, err = l.Accept()
				return err == nil
			}, timeout, tick)
			defer peer.Close()
			assert.Equal(t, tc.nagle, peer.Nagle())
			assert.Equal(t, tc.noDelay, noDelay(t, peer.Fd()))

			peer.SetNagle(!tc.nagle)
			require.NoError(t, peer.ApplyOptions())
			assert.Equal(t, 1-tc.noDelay, noDelay(t, peer.Fd()))
		})
	}
}

func TestListenAcceptEcho(t *testing.T) {
	l, err := Listen("", 0, 16)
	require.NoError(t, err)
	defer l.Close()
	host, port := l.Addr()
	assert.Equal(t, "127.0.0.1", host)
	require.NotZero(t, port)

	_, _, err = l.Accept()
	require.True(t, IsWouldBlock(err), "got %v", err)

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	var peer *Socket
	var addr string
	require.Eventually(t, func() bool {
		peer, addr, err = l.Accept()
		return err == nil
	}, timeout, tick)
	defer peer.Close()
	assert.Equal(t, conn.LocalAddr().String(), addr)
	require.NoError(t, peer.SetBlocking(true))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	in := NewIOBuffer(4)
	_, err = peer.ReadAll(in, 4)
	require.NoError(t, err)
	_, err = peer.WriteAll(in, 4)
	require.NoError(t, err)

	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestListenRejectsHostname(t *testing.T) {
	_, err := Listen("localhost", 0, 0)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestListenBindFailure(t *testing.T) {
	l, err := Listen("127.0.0.1", 0, 0)
	require.NoError(t, err)
	defer l.Close()
	_, port := l.Addr()

	// SO_REUSEADDR does not allow two listeners on one port
	_, err = Listen("127.0.0.1", port, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}
