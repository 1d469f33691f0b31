package supervisor

import "encoding/json"

// State is the lifecycle state of a managed server process.
//
// State Machine:
// Stopped -> Starting -> Running -> Stopped
// Running -> Restarting -> Starting -> Running (crash within restart budget)
// Running -> Failed (crash with budget exhausted, health check failure)
// Starting -> Failed (spawn error)
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds, or is about to hold, an OS process.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = ParseState(str)
	return nil
}

// ParseState maps a state name back to State. Unknown names map to StateStopped.
func ParseState(s string) State {
	switch s {
	case "starting":
		return StateStarting
	case "running":
		return StateRunning
	case "restarting":
		return StateRestarting
	case "failed":
		return StateFailed
	default:
		return StateStopped
	}
}
