package dvbcuse

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/9000h/dvbloop-cuse/pkg/session"
)

// Construction errors, matched with errors.Is.
var (
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrTransportUnavailable = errors.New("CUSE transport unavailable")
	ErrNodeExists           = errors.New("device node already exists")
	ErrRegistration         = errors.New("endpoint registration failed")
)

// errnoOf maps an error to the errno reported to the client. Backend errors
// pass through when they carry an errno; anything else is EIO.
func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	if errors.Is(err, session.ErrFull) {
		return unix.EMFILE
	}
	return unix.EIO
}
