package dvbcuse

import (
	"context"
	"time"

	"github.com/9000h/dvbloop-cuse/pkg/cuse"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// ReadyHook runs once per endpoint after its node has been registered. path
// is where the node is expected under the server's device root. ctx is
// cancelled when the server closes.
type ReadyHook func(ctx context.Context, e types.Endpoint, path string)

// Option configures a Server.
type Option func(*Server)

// WithTransport sets the registration transport. Defaults to the kernel's
// /dev/cuse.
func WithTransport(t cuse.Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// WithDevRoot sets the directory under which nodes appear, "/dev" by default.
func WithDevRoot(dir string) Option {
	return func(s *Server) {
		s.devRoot = dir
	}
}

// WithReadyHook replaces the default ownership hook.
func WithReadyHook(h ReadyHook) Option {
	return func(s *Server) {
		s.readyHook = h
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight requests
// before abandoning them.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.drainTimeout = d
	}
}

// WithInitTimeout bounds the wait for the kernel's CUSE_INIT.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.initTimeout = d
	}
}
