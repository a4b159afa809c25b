package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteFor(t *testing.T) {
	cases := map[string]string{
		"GET /healthz HTTP/1.1\r\nHost: x\r\n\r\n": "/healthz",
		"POST /api/v1?x=1 HTTP/1.1\r\n":            "/api/v1",
		"GET /a#frag HTTP/1.0\n":                   "/a",
		"/raw/path\n":                              "/raw/path",
		"GET * HTTP/1.1\r\n":                       "/",
		"hello":                                    "/",
		"":                                         "/",
		"   \r\n":                                  "/",
	}
	for req, want := range cases {
		assert.Equal(t, want, RouteFor([]byte(req)), "request %q", req)
	}
}
