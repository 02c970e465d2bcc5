// Package passthrough is a backend that forwards every operation to the
// nodes of a real DVB adapter, making the virtual adapter a loop of the
// source one.
package passthrough

import (
	"fmt"
	"runtime"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/dvbcuse"
	"github.com/9000h/dvbloop-cuse/pkg/ioctl"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// SourcePath returns the node of endpoint e on source adapter n.
func SourcePath(devRoot string, n int, e types.Endpoint) string {
	return types.NodePath(devRoot, n, e)
}

// Configure enables every endpoint not listed in disabled, pointing it at
// the matching node of the source adapter.
func Configure(cfg *dvbcuse.Config, devRoot string, source int, disabled map[types.Endpoint]bool) {
	for _, e := range types.Endpoints {
		if disabled[e] {
			continue
		}
		cfg.Enable(e, SourcePath(devRoot, source, e), Ops(e))
	}
}

// Ops returns the pass-through backend for an endpoint. Slots the endpoint
// has no use for are left nil.
func Ops(e types.Endpoint) dvbcuse.Ops {
	ops := dvbcuse.Ops{
		Open:  Open,
		Close: Close,
		Ioctl: Ioctl,
		Poll:  Poll,
	}
	switch e {
	case types.Demux:
		ops.Read = Read
	case types.DVR, types.CA:
		ops.Read = Read
		ops.Write = Write
	case types.Net:
		ops.Poll = nil
	}
	return ops
}

// Open opens the source node with the client's flags.
func Open(_ any, path string, flags int) (int, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	log.Debugf("passthrough: opened %s as fd %d", path, fd)
	return fd, nil
}

// Close closes a source descriptor.
func Close(_ any, fd int) error {
	return unix.Close(fd)
}

// Read reads from a source descriptor.
func Read(_ any, fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Write writes to a source descriptor.
func Write(_ any, fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// dtvProperties mirrors struct dtv_properties.
type dtvProperties struct {
	num   uint32
	props unsafe.Pointer
}

// Ioctl issues cmd on a source descriptor with the materialized argument.
func Ioctl(_ any, fd int, cmd uint32, arg *ioctl.Arg) error {
	switch arg.Kind {
	case ioctl.ArgNone:
		return ioctlValue(fd, cmd, 0)
	case ioctl.ArgValue:
		return ioctlValue(fd, cmd, uintptr(arg.Value))
	case ioctl.ArgBuffer:
		if len(arg.Buf) == 0 {
			return unix.EINVAL
		}
		return ioctlPointer(fd, cmd, unsafe.Pointer(&arg.Buf[0]))
	case ioctl.ArgProperties:
		if arg.Count() == 0 {
			return unix.EINVAL
		}
		props := &dtvProperties{num: uint32(arg.Count()), props: unsafe.Pointer(&arg.Buf[0])}
		err := ioctlPointer(fd, cmd, unsafe.Pointer(props))
		runtime.KeepAlive(arg.Buf)
		return err
	}
	return fmt.Errorf("unknown argument kind %d", arg.Kind)
}

func ioctlPointer(fd int, cmd uint32, p unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(p))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func ioctlValue(fd int, cmd uint32, v uintptr) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), v)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// Poll checks readiness without blocking.
func Poll(_ any, pfd *unix.PollFd) error {
	fds := []unix.PollFd{*pfd}
	for {
		_, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		pfd.Revents = fds[0].Revents
		return nil
	}
}
