package pool

// Status is the pool admission state machine:
//
//	INITIALIZING → HEALTHY ⇄ DEGRADED ⇄ UNHEALTHY → SHUTDOWN
//
// INITIALIZING exists only inside CreatePool; a pool is never visible to
// callers before its first successful probe. SHUTDOWN is terminal.
type Status int

const (
	StatusInitializing Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// AdmitsLeases reports whether new acquires are permitted in this state.
// DEGRADED still admits: it is a warning, not a gate.
func (s Status) AdmitsLeases() bool {
	return s == StatusHealthy || s == StatusDegraded
}
