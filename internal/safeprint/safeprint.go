// Package safeprint writes diagnostics directly to stderr with a single
// write call per message. It is for code paths that run while other threads
// are suspended, where the regular logger's locks must not be taken.
package safeprint

import (
	"fmt"
	"os"
)

// Printf formats to stderr in one write. Errors are ignored; there is no one
// to report them to on these paths.
func Printf(format string, args ...any) {
	var buf [512]byte
	msg := fmt.Appendf(buf[:0], format, args...)
	_, _ = os.Stderr.Write(msg)
}
