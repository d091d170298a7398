package domain

import "fmt"

// State is the board column a task belongs to.
type State string

const (
	StateTodo       State = "Todo"
	StateInProgress State = "InProgress"
	StateDone       State = "Done"
)

// States lists the board columns in display order.
func States() []State {
	return []State{StateTodo, StateInProgress, StateDone}
}

// Valid reports whether s is one of the three board columns.
func (s State) Valid() bool {
	switch s {
	case StateTodo, StateInProgress, StateDone:
		return true
	}
	return false
}

// ParseState converts a raw value into a State. An empty value maps to Todo.
func ParseState(raw string) (State, error) {
	if raw == "" {
		return StateTodo, nil
	}
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid task state %q", raw)
	}
	return s, nil
}
