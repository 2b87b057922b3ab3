//go:build unix

package listener

import (
	"os"

	"golang.org/x/sys/unix"
)

// subscribedSignals is the set the listener owns. Worker threads never see
// these; the host is expected not to install competing handlers.
func subscribedSignals() []os.Signal {
	return []os.Signal{
		unix.SIGINT,
		unix.SIGTERM,
		unix.SIGQUIT,
		unix.SIGABRT,
		unix.SIGUSR1,
		unix.SIGPROF,
	}
}

// classifySignal maps a delivered signal to its kind.
func classifySignal(sig os.Signal) SignalKind {
	switch sig {
	case unix.SIGINT:
		return KindInterrupt
	case unix.SIGTERM, unix.SIGQUIT, unix.SIGABRT:
		return KindExit
	case unix.SIGUSR1:
		return KindInfo
	case unix.SIGPROF:
		return KindProf
	default:
		return KindUnknown
	}
}

// signum returns the numeric value of a delivered signal, for exit codes and
// diagnostics.
func signum(sig os.Signal) int {
	if s, ok := sig.(unix.Signal); ok {
		return int(s)
	}
	return 0
}

// raiseProf delivers the profiling tick to the process so it flows through
// the same listener path as externally sent signals.
func raiseProf() {
	_ = unix.Kill(unix.Getpid(), unix.SIGPROF)
}

// rawExit terminates immediately, bypassing Go's exit hooks and deferred
// functions.
func rawExit(code int) {
	unix.Exit(code)
}
