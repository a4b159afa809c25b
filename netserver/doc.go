// File: netserver/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package netserver is the network layer of the runtime: one listening
// socket, one event loop per process, one thread pool, and the peers the
// loop accepted. Requests are opaque bytes; the handler decides what a
// response contains.
package netserver
