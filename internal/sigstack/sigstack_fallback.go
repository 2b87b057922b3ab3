//go:build !unix

package sigstack

// Stack is a plain allocation on platforms without mmap; there is no guard
// page, so handler overflow detection degrades to the Go runtime's own.
type Stack struct {
	mem   []byte
	guard uintptr
}

func New() (*Stack, error) {
	return &Stack{mem: make([]byte, Size)}, nil
}

func (s *Stack) Release() error {
	s.mem = nil
	return nil
}
