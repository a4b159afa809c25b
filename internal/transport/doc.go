// File: internal/transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package transport owns raw descriptors: Socket wraps a stream descriptor
// with single-shot and looping read/write over an IOBuffer, and
// ServerSocket listens and accepts non-blocking peers. Linux only; other
// platforms get stubs returning api.ErrNotSupported.
package transport
