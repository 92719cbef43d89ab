package udp

import (
	"errors"
	"syscall"

	"github.com/postalsys/udpengine/internal/errno"
)

// Error is an engine error carrying the POSIX error number a socket layer
// would report. errors.Is matches both the sentinel and its errno.
type Error struct {
	msg   string
	errno syscall.Errno
}

func newError(msg string, e syscall.Errno) *Error {
	return &Error{msg: msg, errno: e}
}

// Error implements error.
func (e *Error) Error() string {
	return e.msg
}

// Errno returns the error number.
func (e *Error) Errno() syscall.Errno {
	return e.errno
}

// Unwrap returns the errno so errors.Is(err, syscall.EXXX) works.
func (e *Error) Unwrap() error {
	return e.errno
}

// Engine errors.
var (
	ErrInvalid             = newError("invalid argument", errno.EINVAL)
	ErrBadState            = newError("operation not valid in current state", errno.EINVAL)
	ErrOperationPending    = newError("another operation is in progress", errno.EPROTO)
	ErrAccess              = newError("privileged port requires privilege", errno.EACCES)
	ErrAddressInUse        = newError("address already in use", errno.EADDRINUSE)
	ErrAddressNotAvailable = newError("address not available", errno.EADDRNOTAVAIL)
	ErrNoPortAvailable     = newError("no port available", errno.EADDRNOTAVAIL)
	ErrAddressFamily       = newError("address family not supported", errno.EAFNOSUPPORT)
	ErrDestinationRequired = newError("destination address required", errno.EDESTADDRREQ)
	ErrAlreadyConnected    = newError("endpoint is connected", errno.EISCONN)
	ErrMessageTooLong      = newError("message too long", errno.EMSGSIZE)
	ErrRoutingHeader       = newError("unsupported routing header", errno.EPROTO)
	ErrClosed              = newError("endpoint is closed", errno.EBADF)
	ErrNoBufferSpace       = newError("buffer size exceeds limit", errno.ENOBUFS)
	ErrNoProtocolOption    = newError("option not supported", errno.ENOPROTOOPT)
	ErrConnectionRefused   = newError("connection refused", errno.ECONNREFUSED)
)

// errnoOf returns the error number carried by err, or 0.
func errnoOf(err error) syscall.Errno {
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}

// errnoLabel is the metrics label for err.
func errnoLabel(err error) string {
	if e := errnoOf(err); e != 0 {
		return errno.Name(e)
	}
	return "other"
}

// DropReason says why an inbound datagram was discarded.
type DropReason int

const (
	DropNone DropReason = iota
	DropShortPacket
	DropBadVersion
	DropBadHeaderLength
	DropBadLength
	DropNotUDP
	DropFragment
	DropBadExtension
	DropBadChecksum
	DropNoPort
	DropOverflow
	DropUnfinishedRoute
)

// String returns the reason as used in metrics labels.
func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropShortPacket:
		return "short_packet"
	case DropBadVersion:
		return "bad_version"
	case DropBadHeaderLength:
		return "bad_header_length"
	case DropBadLength:
		return "bad_length"
	case DropNotUDP:
		return "not_udp"
	case DropFragment:
		return "fragment"
	case DropBadExtension:
		return "bad_extension"
	case DropBadChecksum:
		return "bad_checksum"
	case DropNoPort:
		return "no_port"
	case DropOverflow:
		return "overflow"
	case DropUnfinishedRoute:
		return "unfinished_route"
	default:
		return "unknown"
	}
}

// DropError reports an inbound datagram that was not delivered. It is
// returned to the IP layer only; endpoints never see it.
type DropError struct {
	Reason DropReason
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return "datagram dropped: " + e.Reason.String() + ": " + e.Err.Error()
	}
	return "datagram dropped: " + e.Reason.String()
}

func (e *DropError) Unwrap() error {
	return e.Err
}

func drop(reason DropReason, err error) *DropError {
	return &DropError{Reason: reason, Err: err}
}

// IsNoPort reports whether err says no endpoint was bound to the
// datagram's destination, in which case the IP layer may answer with a
// port unreachable.
func IsNoPort(err error) bool {
	var d *DropError
	return errors.As(err, &d) && d.Reason == DropNoPort
}
