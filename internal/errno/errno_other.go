//go:build !unix

package errno

import "syscall"

const (
	EACCES        = syscall.EACCES
	EADDRINUSE    = syscall.EADDRINUSE
	EADDRNOTAVAIL = syscall.EADDRNOTAVAIL
	EAFNOSUPPORT  = syscall.EAFNOSUPPORT
	EBADF         = syscall.EBADF
	ECONNREFUSED  = syscall.ECONNREFUSED
	EDESTADDRREQ  = syscall.EDESTADDRREQ
	EHOSTUNREACH  = syscall.EHOSTUNREACH
	EINVAL        = syscall.EINVAL
	EISCONN       = syscall.EISCONN
	EMSGSIZE      = syscall.EMSGSIZE
	ENOBUFS       = syscall.ENOBUFS
	ENOPROTOOPT   = syscall.ENOPROTOOPT
	EPROTO        = syscall.EPROTO
)

var names = map[syscall.Errno]string{
	EACCES:        "EACCES",
	EADDRINUSE:    "EADDRINUSE",
	EADDRNOTAVAIL: "EADDRNOTAVAIL",
	EAFNOSUPPORT:  "EAFNOSUPPORT",
	EBADF:         "EBADF",
	ECONNREFUSED:  "ECONNREFUSED",
	EDESTADDRREQ:  "EDESTADDRREQ",
	EHOSTUNREACH:  "EHOSTUNREACH",
	EINVAL:        "EINVAL",
	EISCONN:       "EISCONN",
	EMSGSIZE:      "EMSGSIZE",
	ENOBUFS:       "ENOBUFS",
	ENOPROTOOPT:   "ENOPROTOOPT",
	EPROTO:        "EPROTO",
}

func name(e syscall.Errno) string {
	return names[e]
}
