// Package dvbcuse serves a virtual DVB adapter through CUSE. Each enabled
// endpoint (frontend, demux, dvr, ca, net) is registered as its own
// character device and every request on it is forwarded to a caller-supplied
// backend, so clients see the kernel driver's binary API while the work is
// done in userspace.
package dvbcuse

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/ioctl"
	"github.com/9000h/dvbloop-cuse/pkg/session"
	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// Limits on the device numbers of a virtual adapter.
const (
	MaxAdapter   = 255
	MaxMajor     = 0x7fff
	MaxMinorBase = 0x7fff
	// MinorAlign is the alignment of the minor base; the five endpoints take
	// base+0 through base+4.
	MinorAlign = 8
)

// Ops is the backend contract of one endpoint. A nil slot means the
// operation is unsupported and is rejected with EOPNOTSUPP. Slots that make
// no sense for an endpoint (read on the frontend, say) are never called.
//
// Errors are returned to the client verbatim when they carry a unix.Errno,
// otherwise as EIO.
type Ops struct {
	// Open opens path with the client's open(2) flags and returns the
	// backend's descriptor.
	Open func(user any, path string, flags int) (int, error)
	// Close releases a descriptor. Its error is logged, never returned.
	Close func(user any, fd int) error
	// Read and Write transfer at most len(p) bytes; short counts are passed
	// through as-is.
	Read  func(user any, fd int, p []byte) (int, error)
	Write func(user any, fd int, p []byte) (int, error)
	// Ioctl runs cmd with an already materialized argument. Output commands
	// fill arg.Buf in place.
	Ioctl func(user any, fd int, cmd uint32, arg *ioctl.Arg) error
	// Poll fills pfd.Revents for a descriptor whose Events ask for POLLIN.
	Poll func(user any, pfd *unix.PollFd) error
}

// capabilities lists which operations exist on each endpoint at all.
var capabilities = [types.NumEndpoints]struct{ read, write, poll bool }{
	types.Frontend: {poll: true},
	types.Demux:    {read: true, poll: true},
	types.DVR:      {read: true, write: true, poll: true},
	types.CA:       {read: true, write: true, poll: true},
	types.Net:      {},
}

// Config is the device configuration of one virtual adapter. The server
// copies it at construction.
type Config struct {
	// Adapter is N in /dev/dvb/adapterN.
	Adapter int
	// Major and MinorBase number the five endpoint nodes.
	Major     int
	MinorBase int

	// Owner, Group and Perms are applied to each node once it appears.
	Owner int
	Group int
	Perms os.FileMode

	// Enabled, Paths and Ops are indexed by types.Endpoint. Paths are
	// handed to the backend's Open untouched.
	Enabled [types.NumEndpoints]bool
	Paths   [types.NumEndpoints]string
	Ops     [types.NumEndpoints]Ops

	// User is passed to every backend call.
	User any

	// MaxSessions bounds concurrently open handles across all endpoints;
	// zero selects session.DefaultMax.
	MaxSessions int
}

// Enable turns an endpoint on with its source path and backend.
func (c *Config) Enable(e types.Endpoint, path string, ops Ops) {
	c.Enabled[e] = true
	c.Paths[e] = path
	c.Ops[e] = ops
}

// Minor returns the minor number of an endpoint.
func (c *Config) Minor(e types.Endpoint) int {
	return c.MinorBase + e.MinorOffset()
}

// EnabledEndpoints lists the enabled endpoints in start order.
func (c *Config) EnabledEndpoints() []types.Endpoint {
	var out []types.Endpoint
	for _, e := range types.Endpoints {
		if c.Enabled[e] {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the numeric bounds of the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Adapter < 0 || c.Adapter > MaxAdapter:
		return fmt.Errorf("%w: adapter %d out of range 0-%d", ErrInvalidConfig, c.Adapter, MaxAdapter)
	case c.Major < 0 || c.Major > MaxMajor:
		return fmt.Errorf("%w: major %d out of range 0-%#x", ErrInvalidConfig, c.Major, MaxMajor)
	case c.MinorBase < 0 || c.MinorBase > MaxMinorBase:
		return fmt.Errorf("%w: minor base %d out of range 0-%#x", ErrInvalidConfig, c.MinorBase, MaxMinorBase)
	case c.MinorBase%MinorAlign != 0:
		return fmt.Errorf("%w: minor base %d is not a multiple of %d", ErrInvalidConfig, c.MinorBase, MinorAlign)
	case c.MaxSessions < 0:
		return fmt.Errorf("%w: negative session limit", ErrInvalidConfig)
	}
	if len(c.EnabledEndpoints()) == 0 {
		return fmt.Errorf("%w: no endpoint enabled", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) maxSessions() int {
	if c.MaxSessions == 0 {
		return session.DefaultMax
	}
	return c.MaxSessions
}
