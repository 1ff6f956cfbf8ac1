package target

// State is a point in the target lifecycle.
type State int

const (
	Created State = iota
	Built
	Started
	Stopped
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Built:
		return "built"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// hasFilesystem reports whether the backend filesystem is reachable.
func (s State) hasFilesystem() bool {
	return s == Built || s == Started || s == Stopped
}

// canStart reports whether Start is valid from s.
func (s State) canStart() bool {
	return s == Built || s == Stopped
}
