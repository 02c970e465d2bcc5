// Package cuse speaks the CUSE (character device in userspace) flavour of
// the FUSE wire protocol over /dev/cuse. It decodes kernel requests, encodes
// replies and owns the kernel transport used to register a device node.
package cuse

import "encoding/binary"

// Wire structures are host-endian.
var order = binary.NativeEndian

// Opcodes handled by a CUSE server.
const (
	OpOpen      = 14
	OpRead      = 15
	OpWrite     = 16
	OpRelease   = 18
	OpFsync     = 20
	OpFlush     = 25
	OpInterrupt = 36
	OpDestroy   = 38
	OpIoctl     = 39
	OpPoll      = 40
	OpCuseInit  = 4096
)

// Protocol version announced in the CUSE_INIT reply.
const (
	KernelVersion      = 7
	KernelMinorVersion = 31
	// MinKernelMinor is the oldest 7.x the kernel may offer; 7.21 added
	// poll events to fuse_poll_in.
	MinKernelMinor = 21
)

// CUSE_INIT flags.
const (
	UnrestrictedIoctl = 1 << 0
)

// FOPEN_* flags in the open reply.
const (
	OpenDirectIO    = 1 << 0
	OpenKeepCache   = 1 << 1
	OpenNonSeekable = 1 << 2
)

// FUSE_IOCTL_* flags.
const (
	IoctlCompat       = 1 << 0
	IoctlUnrestricted = 1 << 1
	IoctlRetry        = 1 << 2
	Ioctl32Bit        = 1 << 3
	IoctlDir          = 1 << 4
	IoctlCompatX32    = 1 << 5

	// IoctlMaxIOV bounds the number of regions in one retry reply.
	IoctlMaxIOV = 256
)

// FUSE_POLL_SCHEDULE_NOTIFY: the kernel registered a waiter for wakeups.
const PollScheduleNotify = 1 << 0

// NotifyPoll is the unsolicited FUSE_NOTIFY_POLL message code.
const NotifyPoll = 1

// MaxTransfer bounds max_read/max_write negotiated with the kernel.
const MaxTransfer = 128 * 1024

// InHeader is the header for all requests from the kernel.
// Size: 40 bytes
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

// InHeaderSize is the size of InHeader in bytes.
const InHeaderSize = 40

// OutHeader is the header for all replies to the kernel.
// Size: 16 bytes
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

// OutHeaderSize is the size of OutHeader in bytes.
const OutHeaderSize = 16

// InitIn is the body of CUSE_INIT.
// Size: 16 bytes
type InitIn struct {
	Major  uint32
	Minor  uint32
	Unused uint32
	Flags  uint32
}

// InitInSize is the size of InitIn in bytes.
const InitInSize = 16

// InitOut is the reply to CUSE_INIT; it is followed by the device info
// strings ("DEVNAME=...\x00").
// Size: 72 bytes
type InitOut struct {
	Major    uint32
	Minor    uint32
	Unused   uint32
	Flags    uint32
	MaxRead  uint32
	MaxWrite uint32
	DevMajor uint32
	DevMinor uint32
	Spare    [10]uint32
}

// InitOutSize is the size of InitOut in bytes.
const InitOutSize = 72

// OpenIn is the body of FUSE_OPEN.
// Size: 8 bytes
type OpenIn struct {
	Flags     uint32
	OpenFlags uint32
}

// OpenInSize is the size of OpenIn in bytes.
const OpenInSize = 8

// OpenOut is the reply to FUSE_OPEN.
// Size: 16 bytes
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

// OpenOutSize is the size of OpenOut in bytes.
const OpenOutSize = 16

// ReadIn is the body of FUSE_READ.
// Size: 40 bytes
type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

// ReadInSize is the size of ReadIn in bytes.
const ReadInSize = 40

// WriteIn is the body of FUSE_WRITE; the data follows it.
// Size: 40 bytes
type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

// WriteInSize is the size of WriteIn in bytes.
const WriteInSize = 40

// WriteOutSize is the size of fuse_write_out in bytes.
const WriteOutSize = 8

// ReleaseIn is the body of FUSE_RELEASE.
// Size: 24 bytes
type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

// ReleaseInSize is the size of ReleaseIn in bytes.
const ReleaseInSize = 24

// FlushInSize is the size of fuse_flush_in in bytes.
const FlushInSize = 24

// FsyncInSize is the size of fuse_fsync_in in bytes.
const FsyncInSize = 16

// IoctlIn is the body of FUSE_IOCTL; InSize bytes of staged input follow it.
// Size: 32 bytes
type IoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

// IoctlInSize is the size of IoctlIn in bytes.
const IoctlInSize = 32

// IoctlOut is the reply to FUSE_IOCTL.
// Size: 16 bytes
type IoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

// IoctlOutSize is the size of IoctlOut in bytes.
const IoctlOutSize = 16

// IoctlIovecSize is the size of one fuse_ioctl_iovec in bytes.
const IoctlIovecSize = 16

// PollIn is the body of FUSE_POLL.
// Size: 24 bytes
type PollIn struct {
	Fh     uint64
	Kh     uint64
	Flags  uint32
	Events uint32
}

// PollInSize is the size of PollIn in bytes.
const PollInSize = 24

// PollOutSize is the size of fuse_poll_out in bytes.
const PollOutSize = 8

// NotifyPollWakeupSize is the size of fuse_notify_poll_wakeup_out in bytes.
const NotifyPollWakeupSize = 8
