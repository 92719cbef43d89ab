// Package errno names the POSIX error numbers the engine reports.
//
// Errors returned by the engine wrap one of these values so callers can
// match them with errors.Is against either the engine's sentinel errors or
// the platform syscall.Errno.
package errno

import "syscall"

// Name returns the symbolic name of e, such as "EADDRINUSE".
func Name(e syscall.Errno) string {
	if n := name(e); n != "" {
		return n
	}
	return "E?" + itoa(uint64(e))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
