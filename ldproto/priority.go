package ldproto

import "fmt"

// Priority selects the traffic class a message is shaped under.
// Lower values are more urgent.
type Priority uint8

const (
	PriorityMax Priority = iota
	PriorityClientHigh
	PriorityClientNormal
	PriorityClientLow
	PriorityBackground

	NumPriorities int = iota
)

func (p Priority) String() string {
	switch p {
	case PriorityMax:
		return "MAX"
	case PriorityClientHigh:
		return "CLIENT_HIGH"
	case PriorityClientNormal:
		return "CLIENT_NORMAL"
	case PriorityClientLow:
		return "CLIENT_LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return int(p) < NumPriorities
}
