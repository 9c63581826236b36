package session

// State is the lifecycle state of a Manager.
type State int

const (
	Anonymous State = iota
	Resolving
	Authenticated
	// Deactivated is held only while the forced logout of an inactive
	// profile runs; the Manager then returns to Anonymous.
	Deactivated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "ANONYMOUS"
	case Resolving:
		return "RESOLVING"
	case Authenticated:
		return "AUTHENTICATED"
	case Deactivated:
		return "DEACTIVATED"
	}
	return "UNKNOWN"
}
