//go:build linux

// File: internal/transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/phab-native/api"
)

func sysRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		return n, nil
	}
}

// sysWrite sends with MSG_NOSIGNAL so a closed peer yields EPIPE instead of
// SIGPIPE, falling back to write(2) for descriptors that are not sockets.
func sysWrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.ENOTSOCK {
			n, err = unix.Write(fd, p)
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

func sysClose(fd int) error {
	if err := unix.Close(fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func setBlocking(fd int, blocking bool) error {
	if err := unix.SetNonblock(fd, !blocking); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

func setNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
	switch err {
	case nil, unix.EOPNOTSUPP, unix.ENOPROTOOPT, unix.ENOTSOCK:
		return nil
	}
	return os.NewSyscallError("setsockopt", err)
}

// IsWouldBlock reports whether err means the descriptor is not ready.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsDisconnect reports whether err means the peer went away.
func IsDisconnect(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// Socketpair returns two connected non-blocking stream sockets.
func Socketpair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	a, err := Open(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := Open(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// Listen binds a non-blocking listener on an IP literal host, loopback when
// host is empty. Port 0 picks an ephemeral port. A non-positive backlog
// means SOMAXCONN.
func Listen(host string, port, backlog int) (*ServerSocket, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: host %q is not an IP literal", api.ErrInvalidArgument, host)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d", api.ErrInvalidArgument, port)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		family = unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	fail := func(op string, err error) (*ServerSocket, error) {
		unix.Close(fd)
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		return nil, fmt.Errorf("listen on %s: %w", addr, os.NewSyscallError(op, err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	_, boundPort := sockaddrHostPort(bound)
	return &ServerSocket{Socket: Socket{fd: fd}, host: host, port: boundPort}, nil
}

// Accept takes one pending connection. The peer socket is non-blocking and
// inherits the listener's Nagle flag. When nothing is pending the error
// satisfies IsWouldBlock.
func (l *ServerSocket) Accept() (*Socket, string, error) {
	if !l.Valid() {
		return nil, "", ErrClosed
	}
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return nil, "", os.NewSyscallError("accept4", err)
		}
		s := &Socket{fd: nfd, nagle: l.nagle}
		if err := s.ApplyOptions(); err != nil {
			unix.Close(nfd)
			return nil, "", err
		}
		host, port := sockaddrHostPort(sa)
		return s, net.JoinHostPort(host, strconv.Itoa(port)), nil
	}
}

func sockaddrHostPort(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrUnix:
		return a.Name, 0
	}
	return "", 0
}
