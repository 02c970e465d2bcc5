package cuse

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDevice is the CUSE control device.
const DefaultDevice = "/dev/cuse"

// DefaultSysfsClass is where the kernel lists registered CUSE devices.
const DefaultSysfsClass = "/sys/class/cuse"

// Conn is one CUSE connection. Every Read returns exactly one request and
// every Write must carry exactly one reply or notification.
type Conn interface {
	io.ReadWriteCloser
	// SetReadDeadline interrupts a blocked Read; the worker uses it to
	// stop accepting requests before it closes the connection.
	SetReadDeadline(t time.Time) error
}

// Transport registers virtual device nodes.
type Transport interface {
	// Check verifies the transport is present and usable.
	Check() error
	// Open starts a new connection; the kernel sends CUSE_INIT on it.
	Open() (Conn, error)
	// Confirm verifies that the device named devname (e.g.
	// "dvb/adapter1/frontend0") was registered after the init reply.
	Confirm(devname string) error
}

// Kernel is the Transport backed by the kernel's /dev/cuse.
type Kernel struct {
	// Device is the control device path; DefaultDevice when empty.
	Device string
	// SysfsClass is the cuse device class directory; DefaultSysfsClass when empty.
	SysfsClass string
}

func (k *Kernel) device() string {
	if k.Device == "" {
		return DefaultDevice
	}
	return k.Device
}

func (k *Kernel) class() string {
	if k.SysfsClass == "" {
		return DefaultSysfsClass
	}
	return k.SysfsClass
}

// Check verifies the control device is a character device the process may
// read and write.
func (k *Kernel) Check() error {
	dev := k.device()
	info, err := os.Stat(dev)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", dev, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return fmt.Errorf("%s is not a character device", dev)
	}
	if err := unix.Access(dev, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("no read/write access to %s: %w", dev, err)
	}
	return nil
}

// Open opens the control device non-blocking so reads park on the runtime
// poller and honour read deadlines.
func (k *Kernel) Open() (Conn, error) {
	dev := k.device()
	fd, err := unix.Open(dev, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", dev, err)
	}
	return &kernelConn{File: os.NewFile(uintptr(fd), dev)}, nil
}

// Confirm looks the device up in the cuse sysfs class. The kernel creates
// the class device while it processes the init reply, before the write
// returns.
func (k *Kernel) Confirm(devname string) error {
	p := filepath.Join(k.class(), SysfsName(devname))
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("device %s not registered: %w", devname, err)
	}
	return nil
}

// SysfsName maps a device name to its sysfs entry name; the kernel replaces
// '/' with '!'.
func SysfsName(devname string) string {
	return strings.ReplaceAll(devname, "/", "!")
}

type kernelConn struct {
	*os.File
}

// Read returns one request, retrying transient errors. ENOENT means the
// kernel aborted the request it was about to hand over.
func (c *kernelConn) Read(p []byte) (int, error) {
	for {
		n, err := c.File.Read(p)
		if err == nil {
			return n, nil
		}
		switch {
		case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENODEV):
			return 0, io.EOF
		}
		return n, err
	}
}

// Write sends one reply; ENOENT means the request was interrupted and the
// kernel no longer waits for it.
func (c *kernelConn) Write(p []byte) (int, error) {
	n, err := c.File.Write(p)
	if errors.Is(err, unix.ENOENT) {
		return len(p), nil
	}
	return n, err
}
