package dvbcuse

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/9000h/dvbloop-cuse/pkg/cuse"
	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// Defaults for the server's tunables.
const (
	DefaultDevRoot      = "/dev"
	DefaultDrainTimeout = 2 * time.Second
	DefaultInitTimeout  = 5 * time.Second
)

// Server is one virtual adapter: up to five endpoint workers sharing a
// session registry.
type Server struct {
	cfg Config

	transport    cuse.Transport
	devRoot      string
	readyHook    ReadyHook
	drainTimeout time.Duration
	initTimeout  time.Duration

	sessions *session.Registry
	workers  [types.NumEndpoints]*worker

	closeOnce sync.Once
}

// New validates cfg, registers a node for every enabled endpoint and starts
// serving them. On any failure nothing is left registered or running.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		transport:    &cuse.Kernel{},
		devRoot:      DefaultDevRoot,
		drainTimeout: DefaultDrainTimeout,
		initTimeout:  DefaultInitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readyHook == nil {
		s.readyHook = s.applyOwnership
	}

	if err := s.transport.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if err := s.checkCollisions(); err != nil {
		return nil, err
	}

	s.sessions = session.New(cfg.maxSessions())

	var started []*worker
	for _, e := range cfg.EnabledEndpoints() {
		w := newWorker(s, e)
		if err := w.start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].stop()
			}
			for i := len(started) - 1; i >= 0; i-- {
				started[i].join(s.drainTimeout)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrRegistration, e, err)
		}
		s.workers[e] = w
		started = append(started, w)
	}

	log.Infof("Adapter %d serving %d endpoint(s) (major %d, minors %d-%d)",
		cfg.Adapter, len(started), cfg.Major, cfg.MinorBase, cfg.MinorBase+types.NumEndpoints-1)
	return s, nil
}

// checkCollisions refuses to shadow a node that already exists.
func (s *Server) checkCollisions() error {
	for _, e := range s.cfg.EnabledEndpoints() {
		p := types.NodePath(s.devRoot, s.cfg.Adapter, e)
		_, err := os.Stat(p)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrNodeExists, p)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot stat %s: %w", p, err)
		}
	}
	return nil
}

// Close stops every endpoint in reverse start order: all are told to stop
// first, then each is joined. Sessions still open are dropped without a
// backend close. Close is safe on a nil Server and idempotent.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		for i := types.NumEndpoints - 1; i >= 0; i-- {
			if w := s.workers[i]; w != nil {
				w.stop()
			}
		}
		for i := types.NumEndpoints - 1; i >= 0; i-- {
			if w := s.workers[i]; w != nil {
				w.join(s.drainTimeout)
			}
		}
		if left := s.sessions.Drain(); len(left) > 0 {
			log.Warnf("Adapter %d: abandoning %d open session(s)", s.cfg.Adapter, len(left))
		}
		log.Infof("Adapter %d stopped", s.cfg.Adapter)
	})
}

// Config returns the server's configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Sessions returns a snapshot of the open sessions.
func (s *Server) Sessions() []session.Info {
	return s.sessions.Snapshot()
}

// State reports the worker state of an endpoint; disabled endpoints are
// always Unstarted.
func (s *Server) State(e types.Endpoint) State {
	if e < 0 || int(e) >= types.NumEndpoints || s.workers[e] == nil {
		return StateUnstarted
	}
	return s.workers[e].State()
}
