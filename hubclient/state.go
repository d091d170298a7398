package hubclient

import "fmt"

// Status is the connection status of a Client.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// state is the current connection state. Only the connected variant holds
// a live link.
type state interface {
	status() Status
}

type disconnectedState struct{}

type connectingState struct{}

type connectedState struct {
	link *link
}

func (disconnectedState) status() Status { return Disconnected }
func (connectingState) status() Status   { return Connecting }
func (connectedState) status() Status    { return Connected }

func canTransition(from, to Status) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Disconnected
	case Connected:
		return to == Disconnected
	}
	return false
}
