// File: netserver/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/momentics/phab-native/internal/transport"
)

// Context is handed to every handler. It tracks responses that are still
// being produced or written so shutdown can account for them.
type Context struct {
	srv *Server

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]*Response
}

func newContext(srv *Server) *Context {
	return &Context{srv: srv, inflight: make(map[uint64]*Response)}
}

// Server returns the owning server.
func (c *Context) Server() *Server { return c.srv }

// NumConnections returns the number of open peers.
func (c *Context) NumConnections() int { return c.srv.NumConnections() }

// InflightResponses returns the number of responses not yet finished.
func (c *Context) InflightResponses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// CreateResponse allocates a response to request from peer and records it
// as in flight until Finish.
func (c *Context) CreateResponse(peer string, request *transport.IOBuffer) *Response {
	if request == nil {
		request = transport.NewIOBuffer(0)
	}
	c.mu.Lock()
	c.nextID++
	r := &Response{
		id:      c.nextID,
		ctx:     c,
		peer:    peer,
		request: request,
		body:    transport.NewIOBuffer(0),
		created: time.Now(),
	}
	c.inflight[r.id] = r
	c.mu.Unlock()
	return r
}

func (c *Context) finish(r *Response) {
	c.mu.Lock()
	delete(c.inflight, r.id)
	c.mu.Unlock()
}

// Response collects the bytes written back to one peer.
type Response struct {
	id      uint64
	ctx     *Context
	runCtx  context.Context
	peer    string
	request *transport.IOBuffer
	body    *transport.IOBuffer
	created time.Time

	closeAfter atomic.Bool
	finished   atomic.Bool
}

// Context returns the context of the Run serving the request, which carries
// the server's LoopStack. Responses created outside Run get
// context.Background.
func (r *Response) Context() context.Context {
	if r.runCtx == nil {
		return context.Background()
	}
	return r.runCtx
}

// Peer returns the remote address of the requesting connection.
func (r *Response) Peer() string { return r.peer }

// Request returns the request bytes.
func (r *Response) Request() []byte { return r.request.Bytes() }

// Buffer returns the pending response bytes.
func (r *Response) Buffer() *transport.IOBuffer { return r.body }

// Created returns when the response was allocated.
func (r *Response) Created() time.Time { return r.created }

// Write appends p to the response.
func (r *Response) Write(p []byte) (int, error) { return r.body.Write(p) }

// WriteString appends s to the response.
func (r *Response) WriteString(s string) (int, error) { return r.body.Write([]byte(s)) }

// CloseAfterWrite closes the connection once the response is written.
func (r *Response) CloseAfterWrite() { r.closeAfter.Store(true) }

// Finished reports whether Finish was called.
func (r *Response) Finished() bool { return r.finished.Load() }

// Finish removes the response from the in-flight set and recycles the
// request buffer. It is idempotent.
func (r *Response) Finish() {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	r.ctx.finish(r)
	if srv := r.ctx.srv; srv != nil && srv.buffers != nil {
		srv.buffers.Put(r.request)
	}
}
