//go:build !linux

package workers

func gettid() int {
	return 0
}
