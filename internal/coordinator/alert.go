package coordinator

import "fmt"

// AlertKind classifies a user-visible failure.
type AlertKind int

const (
	// AlertConnectivity is a degraded stream; it is retried automatically.
	AlertConnectivity AlertKind = iota + 1
	// AlertAction is a failed user action. Local state is left as it was.
	AlertAction
	// AlertRoomFetch is a failed room list or history load, scoped to the chat screen.
	AlertRoomFetch
)

func (k AlertKind) String() string {
	switch k {
	case AlertConnectivity:
		return "connectivity"
	case AlertAction:
		return "action"
	case AlertRoomFetch:
		return "room_fetch"
	}
	return fmt.Sprintf("AlertKind(%d)", int(k))
}

type Alert struct {
	Kind AlertKind
	// Action names the failed action for AlertAction.
	Action string
	RoomID int64
	Err    error
}

func (a Alert) Error() string {
	if a.Action != "" {
		return fmt.Sprintf("%s %s: %v", a.Kind, a.Action, a.Err)
	}
	return fmt.Sprintf("%s: %v", a.Kind, a.Err)
}

func (a Alert) Unwrap() error {
	return a.Err
}
