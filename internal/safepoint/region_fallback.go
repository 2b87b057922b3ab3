//go:build !unix

package safepoint

import "errors"

// ErrNotSupported is returned when the platform cannot reserve a protectable
// safepoint region.
var ErrNotSupported = errors.New("safepoint region not supported on this platform")

// Region is a placeholder on platforms without page protection support.
type Region struct {
	mem      []byte
	pageSize uintptr
}

func NewRegion() (*Region, error) {
	return nil, ErrNotSupported
}

func (r *Region) protect(idx int, prot pageProt) {}
