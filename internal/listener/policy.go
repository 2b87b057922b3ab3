package listener

// Policy selects how the interrupt signal is handled.
type Policy int32

const (
	// PolicyDeliver hands the interrupt to the primary worker as a runtime
	// exception.
	PolicyDeliver Policy = iota
	// PolicyIgnore drops interrupt signals.
	PolicyIgnore
	// PolicyExitOnInterrupt treats the interrupt as a critical exit signal.
	PolicyExitOnInterrupt
)

// SignalKind is the listener's view of a delivered signal, after the
// platform-specific number has been mapped.
type SignalKind int

const (
	// KindUnknown is a signal the listener did not subscribe to.
	KindUnknown SignalKind = iota
	// KindInterrupt is the user interrupt (SIGINT).
	KindInterrupt
	// KindExit is a termination-class signal (SIGTERM, SIGQUIT, SIGABRT).
	KindExit
	// KindInfo is the info signal, multiplexed with the profiling timer on
	// platforms that share the signal number.
	KindInfo
	// KindProf is the dedicated profiling timer signal.
	KindProf
)

// Action is the decision taken for one delivered signal.
type Action int

const (
	// ActionIgnore drops the signal.
	ActionIgnore Action = iota
	// ActionDeliverInterrupt arms asynchronous interrupt delivery to the
	// primary worker.
	ActionDeliverInterrupt
	// ActionExit captures all-worker backtraces and directs the primary
	// worker into the exit path.
	ActionExit
	// ActionReport captures all-worker backtraces, prints them, and keeps
	// running; it also triggers a profile peek.
	ActionReport
	// ActionProfile runs one profiling sampling pass.
	ActionProfile
)

// Decide maps one delivered signal to an action. profRunning reports whether
// the profiling timer is armed; graceElapsed whether the post-delete grace
// window of the shared signal number has passed. Decide has no side effects.
func Decide(kind SignalKind, policy Policy, profRunning, graceElapsed bool) Action {
	switch kind {
	case KindInterrupt:
		switch policy {
		case PolicyIgnore:
			return ActionIgnore
		case PolicyExitOnInterrupt:
			return ActionExit
		default:
			return ActionDeliverInterrupt
		}
	case KindExit:
		return ActionExit
	case KindInfo:
		// The info number doubles as the profiling tick on some
		// platforms. While the timer runs every delivery is a tick, and
		// for the grace window after its deletion in-flight ticks must
		// not be mistaken for an info request.
		if profRunning {
			return ActionProfile
		}
		if !graceElapsed {
			return ActionIgnore
		}
		return ActionReport
	case KindProf:
		if profRunning {
			return ActionProfile
		}
		return ActionIgnore
	default:
		return ActionIgnore
	}
}
