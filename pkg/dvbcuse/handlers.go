package dvbcuse

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/cuse"
	"github.com/9000h/dvbloop-cuse/pkg/ioctl"
	"github.com/9000h/dvbloop-cuse/pkg/session"
)

const openReplyFlags = cuse.OpenDirectIO | cuse.OpenNonSeekable

func (w *worker) dispatch(req *cuse.Request) {
	h := req.Header
	w.log.Debugf("Request %d: opcode %d from pid %d", h.Unique, h.Opcode, h.PID)

	var msg []byte
	switch h.Opcode {
	case cuse.OpOpen:
		msg = w.handleOpen(req)
	case cuse.OpRead:
		msg = w.handleRead(req)
	case cuse.OpWrite:
		msg = w.handleWrite(req)
	case cuse.OpRelease:
		msg = w.handleRelease(req)
	case cuse.OpFlush, cuse.OpFsync:
		msg = cuse.ReplyError(h.Unique, unix.EOPNOTSUPP)
	case cuse.OpIoctl:
		msg = w.handleIoctl(req)
	case cuse.OpPoll:
		w.handlePoll(req)
		return
	case cuse.OpInterrupt:
		// The kernel never waits for an answer to an interrupt.
		return
	default:
		msg = cuse.ReplyError(h.Unique, unix.ENOSYS)
	}
	w.send(msg)
}

func (w *worker) send(msg []byte) {
	if err := w.reply(msg); err != nil && w.State() == StateRunning {
		w.log.Errorf("Sending reply: %v", err)
	}
}

func fail(unique uint64, err error) []byte {
	return cuse.ReplyError(unique, errnoOf(err))
}

// lookup resolves the kernel-echoed file handle. A handle from another
// endpoint or one already released is EBADF.
func (w *worker) lookup(fh uint64) (*session.Session, error) {
	s, ok := w.srv.sessions.Lookup(fh)
	if !ok || s.Endpoint != w.endpoint {
		return nil, unix.EBADF
	}
	return s, nil
}

func (w *worker) handleOpen(req *cuse.Request) []byte {
	unique := req.Header.Unique
	cfg := &w.srv.cfg
	if !cfg.Enabled[w.endpoint] || w.ops.Open == nil {
		return fail(unique, unix.EOPNOTSUPP)
	}
	in, err := req.Open()
	if err != nil {
		return fail(unique, unix.EINVAL)
	}

	fd, err := w.ops.Open(cfg.User, cfg.Paths[w.endpoint], int(in.Flags))
	if err != nil {
		w.log.Debugf("Backend open of %s failed: %v", cfg.Paths[w.endpoint], err)
		return fail(unique, err)
	}

	s := &session.Session{Endpoint: w.endpoint, Flags: int(in.Flags), Handle: fd}
	id, err := w.srv.sessions.Register(s)
	if err != nil {
		w.closeBackend(fd)
		if errors.Is(err, session.ErrFull) {
			w.log.Warnf("Refusing open: %v", err)
		}
		return fail(unique, err)
	}
	w.log.Debugf("Session %d opened (flags %#o, backend fd %d)", id, in.Flags, fd)
	return cuse.ReplyOpen(unique, id, openReplyFlags)
}

func (w *worker) handleRead(req *cuse.Request) []byte {
	unique := req.Header.Unique
	in, err := req.Read()
	if err != nil {
		return fail(unique, unix.EINVAL)
	}
	s, err := w.lookup(in.Fh)
	if err != nil {
		return fail(unique, err)
	}
	if !s.CanRead() {
		return fail(unique, unix.EPERM)
	}
	if !capabilities[w.endpoint].read || w.ops.Read == nil {
		return fail(unique, unix.EOPNOTSUPP)
	}

	size := in.Size
	if size > cuse.MaxTransfer {
		size = cuse.MaxTransfer
	}
	buf := make([]byte, size)
	n, err := w.ops.Read(w.srv.cfg.User, s.Handle, buf)
	if err != nil {
		return fail(unique, err)
	}
	if n < 0 || n > len(buf) {
		return fail(unique, unix.EIO)
	}
	return cuse.ReplyData(unique, buf[:n])
}

func (w *worker) handleWrite(req *cuse.Request) []byte {
	unique := req.Header.Unique
	in, data, err := req.Write()
	if err != nil {
		return fail(unique, unix.EINVAL)
	}
	s, err := w.lookup(in.Fh)
	if err != nil {
		return fail(unique, err)
	}
	if !s.CanWrite() {
		return fail(unique, unix.EPERM)
	}
	if !capabilities[w.endpoint].write || w.ops.Write == nil {
		return fail(unique, unix.EOPNOTSUPP)
	}

	if len(data) > cuse.MaxTransfer {
		data = data[:cuse.MaxTransfer]
	}
	n, err := w.ops.Write(w.srv.cfg.User, s.Handle, data)
	if err != nil {
		return fail(unique, err)
	}
	if n < 0 || n > len(data) {
		return fail(unique, unix.EIO)
	}
	return cuse.ReplyWrite(unique, uint32(n))
}

// handleRelease drops the session first so that exactly one release can
// reach the backend close.
func (w *worker) handleRelease(req *cuse.Request) []byte {
	unique := req.Header.Unique
	in, err := req.Release()
	if err != nil {
		return fail(unique, unix.EINVAL)
	}
	if _, err := w.lookup(in.Fh); err != nil {
		return fail(unique, err)
	}
	s, ok := w.srv.sessions.Unregister(in.Fh)
	if !ok {
		return fail(unique, unix.EBADF)
	}
	if w.ops.Close == nil {
		return fail(unique, unix.EOPNOTSUPP)
	}
	w.closeBackend(s.Handle)
	w.log.Debugf("Session %d released", s.ID)
	return cuse.ReplyError(unique, 0)
}

func (w *worker) closeBackend(fd int) {
	if w.ops.Close == nil {
		return
	}
	if err := w.ops.Close(w.srv.cfg.User, fd); err != nil {
		w.log.Warnf("Backend close of fd %d: %v", fd, err)
	}
}

func (w *worker) handleIoctl(req *cuse.Request) []byte {
	unique := req.Header.Unique
	in, staged, err := req.Ioctl()
	if err != nil {
		return fail(unique, unix.EINVAL)
	}
	s, err := w.lookup(in.Fh)
	if err != nil {
		return fail(unique, err)
	}
	if w.ops.Ioctl == nil {
		return fail(unique, unix.EOPNOTSUPP)
	}

	r := w.marshal.Handle(ioctl.Request{
		Cmd:      in.Cmd,
		Arg:      in.Arg,
		Compat:   in.Flags&cuse.IoctlCompat != 0,
		ReadOnly: s.ReadOnly(),
		In:       staged,
		OutSize:  in.OutSize,
	}, func(arg *ioctl.Arg) error {
		return w.ops.Ioctl(w.srv.cfg.User, s.Handle, in.Cmd, arg)
	})

	name := ioctl.Name(in.Cmd)
	switch {
	case r.Err != nil:
		w.log.Debugf("Session %d %s: %v", s.ID, name, r.Err)
		return fail(unique, r.Err)
	case r.Retry:
		w.log.Debugf("Session %d %s: retry with %d in, %d out", s.ID, name, len(r.In), len(r.Out))
		msg, err := cuse.ReplyIoctlRetry(unique, iovecs(r.In), iovecs(r.Out))
		if err != nil {
			return fail(unique, unix.EINVAL)
		}
		return msg
	}
	w.log.Debugf("Session %d %s: ok, %d bytes", s.ID, name, len(r.Data))
	return cuse.ReplyIoctl(unique, 0, r.Data)
}

func iovecs(rs []ioctl.Region) []cuse.Iovec {
	if len(rs) == 0 {
		return nil
	}
	out := make([]cuse.Iovec, len(rs))
	for i, r := range rs {
		out[i] = cuse.Iovec{Base: r.Addr, Len: r.Len}
	}
	return out
}

// handlePoll replies with the backend's readiness and, when something is
// ready and the kernel registered a waiter, wakes it.
func (w *worker) handlePoll(req *cuse.Request) {
	unique := req.Header.Unique
	in, err := req.Poll()
	if err != nil {
		w.send(fail(unique, unix.EINVAL))
		return
	}
	s, err := w.lookup(in.Fh)
	if err != nil {
		w.send(fail(unique, err))
		return
	}
	if !capabilities[w.endpoint].poll || w.ops.Poll == nil {
		w.send(fail(unique, unix.EOPNOTSUPP))
		return
	}

	pfd := unix.PollFd{Fd: int32(s.Handle), Events: unix.POLLIN}
	if err := w.ops.Poll(w.srv.cfg.User, &pfd); err != nil {
		w.send(fail(unique, err))
		return
	}
	w.send(cuse.ReplyPoll(unique, uint32(uint16(pfd.Revents))))
	if pfd.Revents != 0 && in.Flags&cuse.PollScheduleNotify != 0 {
		w.send(cuse.NotifyPollWakeup(in.Kh))
	}
}
