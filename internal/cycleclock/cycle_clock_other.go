//go:build !linux

package cycleclock

import "time"

var base = time.Now()

func now() uint64 {
	return uint64(time.Since(base).Nanoseconds())
}
