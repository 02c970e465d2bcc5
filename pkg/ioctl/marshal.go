package ioctl

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// ArgKind tells the backend how to interpret an Arg.
type ArgKind int

const (
	// ArgNone carries nothing; the real ioctl takes a NULL argument.
	ArgNone ArgKind = iota
	// ArgValue carries the caller's raw argument in Value.
	ArgValue
	// ArgBuffer carries one materialized structure in Buf.
	ArgBuffer
	// ArgProperties carries a struct dtv_property array in Buf; the real
	// ioctl takes a struct dtv_properties pointing at it.
	ArgProperties
)

// Arg is the argument handed to a backend ioctl.
type Arg struct {
	Kind  ArgKind
	Value uint64
	// Buf is read by input commands and filled in by output commands.
	Buf []byte
	// ElemSize is the array element size for ArgProperties.
	ElemSize int
}

// Count is the number of array elements carried by an ArgProperties.
func (a *Arg) Count() int {
	if a.Kind != ArgProperties || a.ElemSize == 0 {
		return 0
	}
	return len(a.Buf) / a.ElemSize
}

// Caller invokes the backend's ioctl for the command being marshaled.
type Caller func(arg *Arg) error

// Request is one ioctl as received from the transport.
type Request struct {
	Cmd uint32
	// Arg is the caller's raw argument: an address in its address space, or
	// a plain value for by-value commands.
	Arg uint64
	// Compat is set for 32-on-64 legacy callers.
	Compat bool
	// ReadOnly is set when the handle was opened O_RDONLY.
	ReadOnly bool
	// In holds the staged input bytes; empty before the first retry.
	In []byte
	// OutSize is the size of the staged output region; zero before the
	// first retry.
	OutSize uint32
}

// Region is one buffer in the caller's address space.
type Region struct {
	Addr uint64
	Len  uint64
}

// Reply is the marshaler's answer for one Request.
type Reply struct {
	// Err is a unix.Errno for protocol errors or the backend's error.
	Err error
	// Retry asks the transport to stage In and allocate Out, then reissue
	// the same ioctl.
	Retry bool
	In    []Region
	Out   []Region
	// Data is the output payload of a completed command.
	Data []byte
}

// Marshaler runs the negotiation for one endpoint's command table.
type Marshaler struct {
	Table Table
	// DenyReadOnly reports whether cmd is refused on read-only handles;
	// nil allows everything.
	DenyReadOnly func(cmd uint32) bool
}

// For returns the marshaler of an endpoint.
func For(e types.Endpoint) *Marshaler {
	m := &Marshaler{Table: TableFor(e)}
	if e == types.Frontend {
		m.DenyReadOnly = FrontendReadOnlyDenied
	}
	return m
}

// FrontendReadOnlyDenied refuses every frontend command that is not a pure
// read, plus event and slave-reply retrieval, which consume shared state.
func FrontendReadOnlyDenied(cmd uint32) bool {
	return Dir(cmd) != DirRead || cmd == FE_GET_EVENT || cmd == FE_DISEQC_RECV_SLAVE_REPLY
}

func fail(errno unix.Errno) Reply { return Reply{Err: errno} }

func retry(in, out []Region) Reply { return Reply{Retry: true, In: in, Out: out} }

// Handle decodes req against the table and either asks for a retry, calls
// the backend, or fails.
func (m *Marshaler) Handle(req Request, call Caller) Reply {
	if req.ReadOnly && m.DenyReadOnly != nil && m.DenyReadOnly(req.Cmd) {
		return fail(unix.EPERM)
	}
	if req.Compat {
		return fail(unix.ENOSYS)
	}
	c, ok := m.Table[req.Cmd]
	if !ok {
		return fail(unix.EINVAL)
	}

	switch c.Shape {
	case ShapeNone:
		return complete(call(&Arg{Kind: ArgNone}), nil)
	case ShapeValue:
		return complete(call(&Arg{Kind: ArgValue, Value: req.Arg}), nil)
	case ShapeIn:
		return handleIn(c, req, call)
	case ShapeOut:
		return handleOut(c, req, call)
	case ShapeInOut:
		return handleInOut(c, req, call)
	case ShapePropSet:
		return handlePropSet(c, req, call)
	case ShapePropGet:
		return handlePropGet(c, req, call)
	}
	return fail(unix.EINVAL)
}

func complete(err error, data []byte) Reply {
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Data: data}
}

func handleIn(c Command, req Request, call Caller) Reply {
	if len(req.In) == 0 {
		return retry([]Region{{Addr: req.Arg, Len: uint64(c.Size)}}, nil)
	}
	if len(req.In) < int(c.Size) {
		return fail(unix.EINVAL)
	}
	buf := append([]byte(nil), req.In[:c.Size]...)
	return complete(call(&Arg{Kind: ArgBuffer, Buf: buf}), nil)
}

func handleOut(c Command, req Request, call Caller) Reply {
	if req.OutSize == 0 {
		return retry(nil, []Region{{Addr: req.Arg, Len: uint64(c.Size)}})
	}
	if req.OutSize < c.Size {
		return fail(unix.EINVAL)
	}
	buf := make([]byte, c.Size)
	if err := call(&Arg{Kind: ArgBuffer, Buf: buf}); err != nil {
		return Reply{Err: err}
	}
	return Reply{Data: buf}
}

func handleInOut(c Command, req Request, call Caller) Reply {
	if len(req.In) == 0 && req.OutSize == 0 {
		r := []Region{{Addr: req.Arg, Len: uint64(c.Size)}}
		return retry(r, r)
	}
	if len(req.In) < int(c.Size) || req.OutSize < c.Size {
		return fail(unix.EINVAL)
	}
	buf := append([]byte(nil), req.In[:c.Size]...)
	if err := call(&Arg{Kind: ArgBuffer, Buf: buf}); err != nil {
		return Reply{Err: err}
	}
	return Reply{Data: buf}
}

// descriptor decodes a staged struct dtv_properties.
func descriptor(b []byte) (num uint32, props uint64) {
	num = binary.NativeEndian.Uint32(b[0:4])
	if ptrSize == 8 {
		props = binary.NativeEndian.Uint64(b[8:16])
	} else {
		props = uint64(binary.NativeEndian.Uint32(b[4:8]))
	}
	return num, props
}

// arrayRegion validates a staged descriptor and returns the region of the
// array it points to.
func arrayRegion(c Command, in []byte) (Region, unix.Errno) {
	num, props := descriptor(in)
	if num == 0 || num > c.MaxCount {
		return Region{}, unix.EINVAL
	}
	return Region{Addr: props, Len: uint64(num) * uint64(c.ElemSize)}, 0
}

// propertyArg builds the backend argument from a staged array, deriving the
// count from the staged length.
func propertyArg(c Command, staged []byte) (*Arg, unix.Errno) {
	n := uint32(len(staged)) / c.ElemSize
	if n == 0 || n > c.MaxCount {
		return nil, unix.EINVAL
	}
	buf := append([]byte(nil), staged[:n*c.ElemSize]...)
	return &Arg{Kind: ArgProperties, Buf: buf, ElemSize: int(c.ElemSize)}, 0
}

// handlePropSet runs the three phases of FE_SET_PROPERTY: descriptor,
// array, call.
func handlePropSet(c Command, req Request, call Caller) Reply {
	switch {
	case len(req.In) == 0:
		return retry([]Region{{Addr: req.Arg, Len: uint64(c.Size)}}, nil)
	case len(req.In) == int(c.Size):
		r, errno := arrayRegion(c, req.In)
		if errno != 0 {
			return fail(errno)
		}
		return retry([]Region{r}, nil)
	}
	arg, errno := propertyArg(c, req.In)
	if errno != 0 {
		return fail(errno)
	}
	return complete(call(arg), nil)
}

// handlePropGet runs the three phases of FE_GET_PROPERTY. The array is
// staged as input, since each entry names the property to fetch, and
// returned in place as output.
func handlePropGet(c Command, req Request, call Caller) Reply {
	switch {
	case len(req.In) == 0:
		return retry([]Region{{Addr: req.Arg, Len: uint64(c.Size)}}, nil)
	case len(req.In) == int(c.Size) && req.OutSize == 0:
		r, errno := arrayRegion(c, req.In)
		if errno != 0 {
			return fail(errno)
		}
		return retry([]Region{r}, []Region{r})
	case uint32(len(req.In)) == req.OutSize:
		arg, errno := propertyArg(c, req.In)
		if errno != 0 {
			return fail(errno)
		}
		if err := call(arg); err != nil {
			return Reply{Err: err}
		}
		return Reply{Data: arg.Buf}
	}
	return fail(unix.ENODATA)
}
