// Package testutil holds helpers shared by HTTP-facing tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// IPv4Server is an HTTP test server pinned to the IPv4 loopback. Some
// sandboxes resolve the all-interfaces listener to IPv6 only, which breaks
// websocket dials against the usual httptest server.
type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts a server on 127.0.0.1 and skips the test when the
// environment has no IPv4 loopback at all.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("test server: %v", err)
		}
	}()
	return s
}

// Client returns an HTTP client that reuses the server's transport so Close
// can drain idle connections.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts the server down and releases its connections.
func (s *IPv4Server) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}
