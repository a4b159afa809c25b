// File: netserver/work.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Work handles the network loop runs. All of them touch the peer maps and
// therefore run on the loop goroutine only.

package netserver

import (
	"time"

	"github.com/momentics/phab-native/internal/concurrency"
	"github.com/momentics/phab-native/internal/transport"
)

// acceptWork accepts every pending connection, then re-arms the listener.
type acceptWork struct {
	s    *Server
	done bool
}

func (a *acceptWork) Work() {
	s := a.s
	a.done = true
	s.listener.SetNagle(s.nagle.Load())
	for {
		sock, addr, err := s.listener.Accept()
		if err != nil {
			if !transport.IsWouldBlock(err) {
				s.logger.Warn("accept", "error", err)
			}
			break
		}
		s.addPeer(sock, addr)
	}
	s.rearm(s.listenFd)
}

func (a *acceptWork) TimedOut() bool             { return false }
func (a *acceptWork) Done() bool                 { return a.done }
func (a *acceptWork) Kind() concurrency.WorkKind { return concurrency.KindAccept }

// readWork reads one request from a peer that polled readable.
type readWork struct {
	s      *Server
	fd     int
	hangup bool
	done   bool
}

func (r *readWork) Work() {
	s := r.s
	r.done = true
	p := s.byFd[r.fd]
	if p == nil || p.closed {
		return
	}
	buf := s.buffers.Get(s.cfg.ReadBufferSize)
	n, err := p.sock.Read(buf, buf.Len())
	switch {
	case err != nil && transport.IsWouldBlock(err):
		s.buffers.Put(buf)
		if r.hangup {
			s.closePeer(p)
			return
		}
		s.rearm(r.fd)
	case err != nil:
		s.buffers.Put(buf)
		s.logger.Debug("read from peer", "peer", p.addr, "error", err)
		s.closePeer(p)
	case n == 0:
		s.buffers.Put(buf)
		s.closePeer(p)
	default:
		buf.Resize(n)
		s.metrics.Counter(metricBytesRead).Add(float64(n))
		s.dispatch(p, buf)
	}
}

func (r *readWork) TimedOut() bool             { return false }
func (r *readWork) Done() bool                 { return r.done }
func (r *readWork) Kind() concurrency.WorkKind { return concurrency.KindRead }

// writeResponseWork writes a response without blocking the loop. A partial
// write or a full socket buffer leaves it queued for a later turn; the
// response deadline bounds how long that may go on. The work is bound to the
// connection the request was read from, never to whichever connection now
// has the same remote address.
type writeResponseWork struct {
	concurrency.Deadline
	s    *Server
	peer *peer
	resp *Response
	done bool
}

func newWriteResponseWork(s *Server, p *peer, resp *Response) *writeResponseWork {
	return &writeResponseWork{
		Deadline: concurrency.NewDeadline(s.cfg.Deadline),
		s:        s,
		peer:     p,
		resp:     resp,
	}
}

func (w *writeResponseWork) Work() {
	s := w.s
	p := w.peer
	if p.closed {
		w.finish()
		return
	}
	body := w.resp.Buffer()
	for body.Len() > 0 {
		n, err := p.sock.Write(body, body.Len())
		body.Advance(n)
		s.metrics.Counter(metricBytesWritten).Add(float64(n))
		if err != nil {
			if transport.IsWouldBlock(err) {
				return
			}
			s.logger.Debug("write to peer", "peer", p.addr, "error", err)
			w.finish()
			s.closePeer(p)
			return
		}
	}
	w.finish()
	if w.resp.closeAfter.Load() {
		s.closePeer(p)
		return
	}
	s.rearm(p.sock.Fd())
}

// Expire closes a peer that did not take its response in time.
func (w *writeResponseWork) Expire() {
	s := w.s
	s.metrics.Counter(metricWriteTimeouts).Inc()
	w.finish()
	if !w.peer.closed {
		s.logger.Warn("response write timed out", "peer", w.peer.addr)
		s.closePeer(w.peer)
	}
}

func (w *writeResponseWork) finish() {
	w.done = true
	w.s.metrics.Histogram(metricResponseTime).ObserveDuration(time.Since(w.resp.created))
	w.resp.Finish()
}

func (w *writeResponseWork) Done() bool                 { return w.done }
func (w *writeResponseWork) Kind() concurrency.WorkKind { return concurrency.KindWriteResponse }
