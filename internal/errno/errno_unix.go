//go:build unix

package errno

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	EACCES        = unix.EACCES
	EADDRINUSE    = unix.EADDRINUSE
	EADDRNOTAVAIL = unix.EADDRNOTAVAIL
	EAFNOSUPPORT  = unix.EAFNOSUPPORT
	EBADF         = unix.EBADF
	ECONNREFUSED  = unix.ECONNREFUSED
	EDESTADDRREQ  = unix.EDESTADDRREQ
	EHOSTUNREACH  = unix.EHOSTUNREACH
	EINVAL        = unix.EINVAL
	EISCONN       = unix.EISCONN
	EMSGSIZE      = unix.EMSGSIZE
	ENOBUFS       = unix.ENOBUFS
	ENOPROTOOPT   = unix.ENOPROTOOPT
	EPROTO        = unix.EPROTO
)

func name(e syscall.Errno) string {
	return unix.ErrnoName(e)
}
