package dvbcuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/cuse"
	"github.com/9000h/dvbloop-cuse/pkg/ioctl"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// State is the lifecycle state of an endpoint worker.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateDraining
	StateStopped
)

var stateNames = [...]string{"unstarted", "running", "draining", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// requestBufSize fits the largest write plus its headers.
const requestBufSize = cuse.MaxTransfer + 4096

var bufPool = sync.Pool{New: func() any { return make([]byte, requestBufSize) }}

// worker owns one endpoint's CUSE connection and request loop.
type worker struct {
	srv      *Server
	endpoint types.Endpoint
	devname  string
	ops      Ops
	marshal  *ioctl.Marshaler
	log      *log.Entry

	conn  cuse.Conn
	wmu   sync.Mutex
	state atomic.Int32

	group  errgroup.Group
	hooks  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(s *Server, e types.Endpoint) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		srv:      s,
		endpoint: e,
		devname:  types.DevName(s.cfg.Adapter, e),
		ops:      s.cfg.Ops[e],
		marshal:  ioctl.For(e),
		log: log.WithFields(log.Fields{
			"adapter":  s.cfg.Adapter,
			"endpoint": e.String(),
		}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (w *worker) State() State {
	return State(w.state.Load())
}

// start registers the node and launches the request loop. The worker is
// Running when start returns nil.
func (w *worker) start() error {
	conn, err := w.srv.transport.Open()
	if err != nil {
		close(w.done)
		return err
	}
	w.conn = conn

	if err := w.init(); err != nil {
		conn.Close()
		close(w.done)
		return err
	}

	w.state.Store(int32(StateRunning))
	w.log.Infof("Registered /dev/%s (%d:%d)", w.devname, w.srv.cfg.Major, w.srv.cfg.Minor(w.endpoint))

	path := types.NodePath(w.srv.devRoot, w.srv.cfg.Adapter, w.endpoint)
	w.hooks.Add(1)
	go func() {
		defer w.hooks.Done()
		w.srv.readyHook(w.ctx, w.endpoint, path)
	}()
	go w.serve()
	return nil
}

// init answers the kernel's CUSE_INIT and confirms the registration.
func (w *worker) init() error {
	if err := w.conn.SetReadDeadline(time.Now().Add(w.srv.initTimeout)); err != nil {
		return fmt.Errorf("cannot arm init deadline: %w", err)
	}
	buf := make([]byte, requestBufSize)
	n, err := w.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("waiting for CUSE_INIT: %w", err)
	}
	if err := w.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("cannot clear init deadline: %w", err)
	}

	req, err := cuse.ParseRequest(buf[:n])
	if err != nil {
		return err
	}
	if req.Header.Opcode != cuse.OpCuseInit {
		return fmt.Errorf("expected CUSE_INIT, got opcode %d", req.Header.Opcode)
	}
	in, err := req.Init()
	if err != nil {
		return err
	}
	out, err := cuse.NegotiateInit(in, uint32(w.srv.cfg.Major), uint32(w.srv.cfg.Minor(w.endpoint)))
	if err != nil {
		if rerr := w.reply(cuse.ReplyError(req.Header.Unique, unix.EPROTO)); rerr != nil {
			w.log.Debugf("Cannot reject CUSE_INIT: %v", rerr)
		}
		return err
	}
	w.log.Debugf("CUSE_INIT: kernel 7.%d, using 7.%d", in.Minor, out.Minor)

	if err := w.reply(cuse.ReplyInit(req.Header.Unique, out, []string{"DEVNAME=" + w.devname})); err != nil {
		return fmt.Errorf("cannot send CUSE_INIT reply: %w", err)
	}
	return w.srv.transport.Confirm(w.devname)
}

// serve reads requests until the connection ends or stop is called. Each
// request runs on its own goroutine so that a blocked backend call never
// holds up the reader; the group only tracks them for join.
func (w *worker) serve() {
	defer close(w.done)

	for {
		buf := bufPool.Get().([]byte)
		n, err := w.conn.Read(buf)
		if err != nil {
			bufPool.Put(buf)
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded) && w.State() == StateDraining:
			case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
				w.log.Infof("Connection closed")
			default:
				w.log.Errorf("Reading request: %v", err)
			}
			return
		}

		req, err := cuse.ParseRequest(buf[:n])
		if err != nil {
			bufPool.Put(buf)
			w.log.Warnf("Dropping malformed request: %v", err)
			continue
		}
		if req.Header.Opcode == cuse.OpDestroy {
			bufPool.Put(buf)
			w.reply(cuse.ReplyError(req.Header.Unique, 0))
			w.log.Infof("Kernel released the device")
			return
		}

		w.group.Go(func() error {
			defer bufPool.Put(buf)
			w.dispatch(req)
			return nil
		})
	}
}

// stop moves a running worker to Draining and unblocks its reader.
func (w *worker) stop() {
	if !w.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	w.cancel()
	if err := w.conn.SetReadDeadline(time.Now()); err != nil {
		w.log.Warnf("Cannot interrupt reader: %v", err)
	}
}

// join waits for the loop to exit and in-flight requests to finish, at most
// grace, then closes the connection. Requests still running afterwards are
// abandoned; their replies fail on the closed connection.
func (w *worker) join(grace time.Duration) {
	idle := make(chan struct{})
	go func() {
		<-w.done
		w.group.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-time.After(grace):
		w.log.Warnf("Abandoning in-flight requests after %s", grace)
	}
	if w.conn != nil {
		w.conn.Close()
	}
	w.cancel()
	w.hooks.Wait()
	w.state.Store(int32(StateStopped))
}

// reply writes one message; concurrent requests share the connection.
func (w *worker) reply(msg []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, err := w.conn.Write(msg)
	return err
}
