package cuse

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Request is one decoded kernel request.
type Request struct {
	Header InHeader
	// Body holds the bytes that follow the header.
	Body []byte
}

// ParseRequest decodes the header of a request read from the device. The
// returned Request aliases buf.
func ParseRequest(buf []byte) (*Request, error) {
	if len(buf) < InHeaderSize {
		return nil, fmt.Errorf("short request: %d bytes", len(buf))
	}
	var h InHeader
	h.Len = order.Uint32(buf[0:4])
	h.Opcode = order.Uint32(buf[4:8])
	h.Unique = order.Uint64(buf[8:16])
	h.NodeID = order.Uint64(buf[16:24])
	h.UID = order.Uint32(buf[24:28])
	h.GID = order.Uint32(buf[28:32])
	h.PID = order.Uint32(buf[32:36])
	if int(h.Len) < InHeaderSize || int(h.Len) > len(buf) {
		return nil, fmt.Errorf("request length %d does not match read of %d bytes", h.Len, len(buf))
	}
	return &Request{Header: h, Body: buf[InHeaderSize:h.Len]}, nil
}

func (r *Request) need(n int, what string) error {
	if len(r.Body) < n {
		return fmt.Errorf("%s too short: %d < %d", what, len(r.Body), n)
	}
	return nil
}

// Init decodes a CUSE_INIT body.
func (r *Request) Init() (InitIn, error) {
	if err := r.need(InitInSize, "CUSE_INIT"); err != nil {
		return InitIn{}, err
	}
	b := r.Body
	return InitIn{
		Major:  order.Uint32(b[0:4]),
		Minor:  order.Uint32(b[4:8]),
		Unused: order.Uint32(b[8:12]),
		Flags:  order.Uint32(b[12:16]),
	}, nil
}

// Open decodes a FUSE_OPEN body.
func (r *Request) Open() (OpenIn, error) {
	if err := r.need(OpenInSize, "FUSE_OPEN"); err != nil {
		return OpenIn{}, err
	}
	return OpenIn{
		Flags:     order.Uint32(r.Body[0:4]),
		OpenFlags: order.Uint32(r.Body[4:8]),
	}, nil
}

// Read decodes a FUSE_READ body.
func (r *Request) Read() (ReadIn, error) {
	if err := r.need(ReadInSize, "FUSE_READ"); err != nil {
		return ReadIn{}, err
	}
	b := r.Body
	return ReadIn{
		Fh:        order.Uint64(b[0:8]),
		Offset:    order.Uint64(b[8:16]),
		Size:      order.Uint32(b[16:20]),
		ReadFlags: order.Uint32(b[20:24]),
		LockOwner: order.Uint64(b[24:32]),
		Flags:     order.Uint32(b[32:36]),
	}, nil
}

// Write decodes a FUSE_WRITE body and returns the data that follows it.
func (r *Request) Write() (WriteIn, []byte, error) {
	if err := r.need(WriteInSize, "FUSE_WRITE"); err != nil {
		return WriteIn{}, nil, err
	}
	b := r.Body
	in := WriteIn{
		Fh:         order.Uint64(b[0:8]),
		Offset:     order.Uint64(b[8:16]),
		Size:       order.Uint32(b[16:20]),
		WriteFlags: order.Uint32(b[20:24]),
		LockOwner:  order.Uint64(b[24:32]),
		Flags:      order.Uint32(b[32:36]),
	}
	data := b[WriteInSize:]
	if int(in.Size) > len(data) {
		return WriteIn{}, nil, fmt.Errorf("FUSE_WRITE declares %d bytes, carries %d", in.Size, len(data))
	}
	return in, data[:in.Size], nil
}

// Release decodes a FUSE_RELEASE body.
func (r *Request) Release() (ReleaseIn, error) {
	if err := r.need(ReleaseInSize, "FUSE_RELEASE"); err != nil {
		return ReleaseIn{}, err
	}
	b := r.Body
	return ReleaseIn{
		Fh:           order.Uint64(b[0:8]),
		Flags:        order.Uint32(b[8:12]),
		ReleaseFlags: order.Uint32(b[12:16]),
		LockOwner:    order.Uint64(b[16:24]),
	}, nil
}

// Fh returns the file handle that leads the body of flush, fsync and
// similar requests.
func (r *Request) Fh() (uint64, error) {
	if err := r.need(8, "request"); err != nil {
		return 0, err
	}
	return order.Uint64(r.Body[0:8]), nil
}

// Ioctl decodes a FUSE_IOCTL body and returns the staged input bytes.
func (r *Request) Ioctl() (IoctlIn, []byte, error) {
	if err := r.need(IoctlInSize, "FUSE_IOCTL"); err != nil {
		return IoctlIn{}, nil, err
	}
	b := r.Body
	in := IoctlIn{
		Fh:      order.Uint64(b[0:8]),
		Flags:   order.Uint32(b[8:12]),
		Cmd:     order.Uint32(b[12:16]),
		Arg:     order.Uint64(b[16:24]),
		InSize:  order.Uint32(b[24:28]),
		OutSize: order.Uint32(b[28:32]),
	}
	data := b[IoctlInSize:]
	if int(in.InSize) > len(data) {
		return IoctlIn{}, nil, fmt.Errorf("FUSE_IOCTL declares %d input bytes, carries %d", in.InSize, len(data))
	}
	return in, data[:in.InSize], nil
}

// Poll decodes a FUSE_POLL body.
func (r *Request) Poll() (PollIn, error) {
	if err := r.need(PollInSize, "FUSE_POLL"); err != nil {
		return PollIn{}, err
	}
	b := r.Body
	return PollIn{
		Fh:     order.Uint64(b[0:8]),
		Kh:     order.Uint64(b[8:16]),
		Flags:  order.Uint32(b[16:20]),
		Events: order.Uint32(b[20:24]),
	}, nil
}

// ───────────────────────────────────────────
//  replies
// ───────────────────────────────────────────

// Iovec is one fuse_ioctl_iovec region in the caller's address space.
type Iovec struct {
	Base uint64
	Len  uint64
}

func reply(unique uint64, errno int32, payload int) []byte {
	buf := make([]byte, OutHeaderSize+payload)
	order.PutUint32(buf[0:4], uint32(len(buf)))
	order.PutUint32(buf[4:8], uint32(errno))
	order.PutUint64(buf[8:16], unique)
	return buf
}

// ReplyError encodes an error reply. A zero errno is a bare success.
func ReplyError(unique uint64, errno unix.Errno) []byte {
	return reply(unique, -int32(errno), 0)
}

// ReplyOpen encodes the reply to FUSE_OPEN.
func ReplyOpen(unique, fh uint64, openFlags uint32) []byte {
	buf := reply(unique, 0, OpenOutSize)
	p := buf[OutHeaderSize:]
	order.PutUint64(p[0:8], fh)
	order.PutUint32(p[8:12], openFlags)
	return buf
}

// ReplyData encodes a reply carrying raw data, as for FUSE_READ.
func ReplyData(unique uint64, data []byte) []byte {
	buf := reply(unique, 0, len(data))
	copy(buf[OutHeaderSize:], data)
	return buf
}

// ReplyWrite encodes the reply to FUSE_WRITE.
func ReplyWrite(unique uint64, n uint32) []byte {
	buf := reply(unique, 0, WriteOutSize)
	order.PutUint32(buf[OutHeaderSize:OutHeaderSize+4], n)
	return buf
}

// ReplyPoll encodes the reply to FUSE_POLL.
func ReplyPoll(unique uint64, revents uint32) []byte {
	buf := reply(unique, 0, PollOutSize)
	order.PutUint32(buf[OutHeaderSize:OutHeaderSize+4], revents)
	return buf
}

// ReplyIoctl encodes a completed ioctl with its output payload.
func ReplyIoctl(unique uint64, result int32, data []byte) []byte {
	buf := reply(unique, 0, IoctlOutSize+len(data))
	p := buf[OutHeaderSize:]
	order.PutUint32(p[0:4], uint32(result))
	copy(p[IoctlOutSize:], data)
	return buf
}

// ReplyIoctlRetry asks the kernel to stage the in regions and allocate the
// out regions, then reissue the same ioctl.
func ReplyIoctlRetry(unique uint64, in, out []Iovec) ([]byte, error) {
	if len(in) > IoctlMaxIOV || len(out) > IoctlMaxIOV {
		return nil, fmt.Errorf("ioctl retry with %d/%d regions exceeds %d", len(in), len(out), IoctlMaxIOV)
	}
	buf := reply(unique, 0, IoctlOutSize+(len(in)+len(out))*IoctlIovecSize)
	p := buf[OutHeaderSize:]
	order.PutUint32(p[4:8], IoctlRetry)
	order.PutUint32(p[8:12], uint32(len(in)))
	order.PutUint32(p[12:16], uint32(len(out)))
	off := IoctlOutSize
	for _, v := range append(append([]Iovec{}, in...), out...) {
		order.PutUint64(p[off:off+8], v.Base)
		order.PutUint64(p[off+8:off+16], v.Len)
		off += IoctlIovecSize
	}
	return buf, nil
}

// ReplyInit encodes the CUSE_INIT reply followed by the NUL-terminated
// device info strings.
func ReplyInit(unique uint64, out InitOut, info []string) []byte {
	n := 0
	for _, s := range info {
		n += len(s) + 1
	}
	buf := reply(unique, 0, InitOutSize+n)
	p := buf[OutHeaderSize:]
	order.PutUint32(p[0:4], out.Major)
	order.PutUint32(p[4:8], out.Minor)
	order.PutUint32(p[12:16], out.Flags)
	order.PutUint32(p[16:20], out.MaxRead)
	order.PutUint32(p[20:24], out.MaxWrite)
	order.PutUint32(p[24:28], out.DevMajor)
	order.PutUint32(p[28:32], out.DevMinor)
	off := InitOutSize
	for _, s := range info {
		off += copy(p[off:], s) + 1
	}
	return buf
}

// NotifyPollWakeup encodes the unsolicited wakeup for a registered poll
// waiter.
func NotifyPollWakeup(kh uint64) []byte {
	buf := reply(0, NotifyPoll, NotifyPollWakeupSize)
	order.PutUint64(buf[OutHeaderSize:], kh)
	return buf
}

// NegotiateInit validates the kernel's CUSE_INIT offer and builds the reply
// for a device with the given numbers.
func NegotiateInit(in InitIn, devMajor, devMinor uint32) (InitOut, error) {
	if in.Major != KernelVersion {
		return InitOut{}, fmt.Errorf("unsupported protocol %d.%d", in.Major, in.Minor)
	}
	if in.Minor < MinKernelMinor {
		return InitOut{}, fmt.Errorf("kernel protocol 7.%d too old, need 7.%d", in.Minor, MinKernelMinor)
	}
	minor := in.Minor
	if minor > KernelMinorVersion {
		minor = KernelMinorVersion
	}
	return InitOut{
		Major:    KernelVersion,
		Minor:    minor,
		Flags:    UnrestrictedIoctl,
		MaxRead:  MaxTransfer,
		MaxWrite: MaxTransfer,
		DevMajor: devMajor,
		DevMinor: devMinor,
	}, nil
}
