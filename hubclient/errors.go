package hubclient

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("hub client not connected")
	ErrClosed         = errors.New("hub client closed")
	ErrConnectionLost = errors.New("hub connection lost")
)

// InvocationError is a failure reported by the hub for one invocation.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub %s failed: %s", e.Method, e.Message)
}
