package domain

// ChangeKind names a task mutation relayed between board sessions.
type ChangeKind string

const (
	TaskCreated ChangeKind = "task-created"
	TaskUpdated ChangeKind = "task-updated"
	TaskDeleted ChangeKind = "task-deleted"
	TaskMoved   ChangeKind = "task-moved"
)

// Change is a task mutation observed on another session. Task is set for
// created and updated changes; TaskID is always set and State only for moves.
type Change struct {
	Kind   ChangeKind
	TaskID string
	Task   *Task
	State  State
}
