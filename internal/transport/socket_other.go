//go:build !linux

// File: internal/transport/socket_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "github.com/momentics/phab-native/api"

func sysRead(int, []byte) (int, error)  { return 0, api.ErrNotSupported }
func sysWrite(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func sysClose(int) error                { return api.ErrNotSupported }
func setBlocking(int, bool) error       { return api.ErrNotSupported }
func setNoDelay(int, bool) error        { return api.ErrNotSupported }

// IsWouldBlock always reports false on this platform.
func IsWouldBlock(error) bool { return false }

// IsDisconnect always reports false on this platform.
func IsDisconnect(error) bool { return false }

// Socketpair is not supported on this platform.
func Socketpair() (*Socket, *Socket, error) { return nil, nil, api.ErrNotSupported }

// Listen is not supported on this platform.
func Listen(string, int, int) (*ServerSocket, error) { return nil, api.ErrNotSupported }

// Accept is not supported on this platform.
func (l *ServerSocket) Accept() (*Socket, string, error) { return nil, "", api.ErrNotSupported }
