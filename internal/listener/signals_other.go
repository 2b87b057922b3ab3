//go:build !unix

package listener

import "os"

func subscribedSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func classifySignal(sig os.Signal) SignalKind {
	if sig == os.Interrupt {
		return KindInterrupt
	}
	return KindUnknown
}

func signum(os.Signal) int { return 0 }

func raiseProf() {}

func rawExit(code int) {
	os.Exit(code)
}
