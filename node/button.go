package node

import "time"

// ButtonAction is what a button press of a given length asks for.
type ButtonAction int

const (
	ActionIgnore ButtonAction = iota
	ActionToggleMode
	ActionCycleSpreadingFactor
	ActionCycleBandwidth
)

func (a ButtonAction) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionToggleMode:
		return "toggle mode"
	case ActionCycleSpreadingFactor:
		return "cycle spreading factor"
	case ActionCycleBandwidth:
		return "cycle bandwidth"
	}
	return "unknown"
}

// ClassifyPress maps a press duration to an action. Sub-100ms presses are
// treated as contact bounce.
func ClassifyPress(held time.Duration) ButtonAction {
	switch {
	case held < 100*time.Millisecond:
		return ActionIgnore
	case held < 1000*time.Millisecond:
		return ActionToggleMode
	case held < 3000*time.Millisecond:
		return ActionCycleSpreadingFactor
	default:
		return ActionCycleBandwidth
	}
}
