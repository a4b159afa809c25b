// File: internal/transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/internal/check"
)

// ErrClosed is returned for I/O on a socket that was closed or released.
var ErrClosed = errors.New("socket closed")

const invalidFd = -1

// Socket owns one stream descriptor. It is not safe for concurrent use; it
// lives on the goroutine of the loop that accepted it.
type Socket struct {
	fd       int
	nagle    bool
	blocking bool
}

// Open takes ownership of fd and switches it to non-blocking mode.
func Open(fd int) (*Socket, error) {
	check.That(fd >= 0, "socket fd %d < 0", fd)
	s := &Socket{fd: fd, blocking: true}
	if err := s.SetBlocking(false); err != nil {
		return nil, err
	}
	return s, nil
}

// Fd returns the descriptor, or -1 once closed or released.
func (s *Socket) Fd() int { return s.fd }

// Valid reports whether the socket still owns a descriptor.
func (s *Socket) Valid() bool { return s.fd >= 0 }

// Release gives up ownership and returns the descriptor. The socket becomes
// invalid and Close on it is a no-op.
func (s *Socket) Release() int {
	fd := s.fd
	s.fd = invalidFd
	return fd
}

// Blocking reports the descriptor mode last set through SetBlocking.
func (s *Socket) Blocking() bool { return s.blocking }

// SetBlocking switches the descriptor between blocking and non-blocking mode.
func (s *Socket) SetBlocking(blocking bool) error {
	if !s.Valid() {
		return ErrClosed
	}
	if err := setBlocking(s.fd, blocking); err != nil {
		return err
	}
	s.blocking = blocking
	return nil
}

// SetNagle records whether Nagle's algorithm should stay enabled. It takes
// effect on ApplyOptions.
func (s *Socket) SetNagle(on bool) { s.nagle = on }

// Nagle returns the recorded Nagle flag.
func (s *Socket) Nagle() bool { return s.nagle }

// ApplyOptions pushes the recorded options to the descriptor. Options a
// descriptor does not support are skipped.
func (s *Socket) ApplyOptions() error {
	if !s.Valid() {
		return ErrClosed
	}
	return setNoDelay(s.fd, !s.nagle)
}

// Read performs one read of at most size bytes into the front of buf.
func (s *Socket) Read(buf *IOBuffer, size int) (int, error) {
	p, err := s.window(buf, size)
	if err != nil {
		return 0, err
	}
	return sysRead(s.fd, p)
}

// Write performs one write of at most size bytes from the front of buf.
func (s *Socket) Write(buf *IOBuffer, size int) (int, error) {
	p, err := s.window(buf, size)
	if err != nil {
		return 0, err
	}
	return sysWrite(s.fd, p)
}

// ReadAll reads until size bytes arrived. It returns the count so far with
// the first error; end of stream before size is io.ErrUnexpectedEOF.
func (s *Socket) ReadAll(buf *IOBuffer, size int) (int, error) {
	p, err := s.window(buf, size)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := sysRead(s.fd, p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}

// WriteAll writes until size bytes left. It returns the count so far with
// the first error.
func (s *Socket) WriteAll(buf *IOBuffer, size int) (int, error) {
	p, err := s.window(buf, size)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := sysWrite(s.fd, p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Close releases the descriptor. Closing an invalid socket does nothing; a
// failing close means the descriptor was already gone and is fatal.
func (s *Socket) Close() error {
	if !s.Valid() {
		return nil
	}
	fd := s.Release()
	check.NoError(sysClose(fd), "close socket fd %d", fd)
	return nil
}

func (s *Socket) window(buf *IOBuffer, size int) ([]byte, error) {
	if !s.Valid() {
		return nil, ErrClosed
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", api.ErrInvalidArgument)
	}
	if size < 0 || size > buf.Len() {
		return nil, fmt.Errorf("%w: size %d outside buffer of %d bytes", api.ErrInvalidArgument, size, buf.Len())
	}
	return buf.Bytes()[:size], nil
}

// ServerSocket is a listening socket.
type ServerSocket struct {
	Socket
	host string
	port int
}

// Addr returns the bound host and port.
func (l *ServerSocket) Addr() (string, int) { return l.host, l.port }
