// File: server/route.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "bytes"

// RouteFor returns the path a request is routed by: the target of its first
// line without query or fragment. Anything that does not look like a path
// routes to "/".
func RouteFor(request []byte) string {
	line := request
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := bytes.Fields(bytes.TrimRight(line, "\r"))
	var target []byte
	switch len(fields) {
	case 0:
	case 1:
		target = fields[0]
	default:
		target = fields[1]
	}
	if i := bytes.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if len(target) == 0 || target[0] != '/' {
		return "/"
	}
	return string(target)
}
