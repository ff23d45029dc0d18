package recovery

import "fmt"

// State is the lifecycle state of one location.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateLive
	StateRecovering
	StateReauthenticating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateLive:
		return "live"
	case StateRecovering:
		return "recovering"
	case StateReauthenticating:
		return "reauthenticating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mode selects how a client reset is handled.
type Mode string

const (
	// ModeManual backs the discarded replica up and replays it into the
	// fresh one, keeping unsynced changes.
	ModeManual Mode = "manual"
	// ModeDiscardLocal drops unsynced changes and reopens the fresh
	// replica, running the before and after reset hooks.
	ModeDiscardLocal Mode = "discard-local"
)

// ParseMode parses a client reset mode. The empty string is ModeManual.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeManual:
		return ModeManual, nil
	case ModeDiscardLocal:
		return ModeDiscardLocal, nil
	}
	return "", fmt.Errorf("unknown client reset mode %q (want %s or %s)", s, ModeManual, ModeDiscardLocal)
}
