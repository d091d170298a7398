package domain

import "context"

// TaskRepository is the storage contract consumed by the application handlers.
//
// GetByID returns nil without an error when the task does not exist and Delete
// of a missing id is a no-op. Update overwrites title, description, status and
// last-modified time; the stored creation time is kept. There is no optimistic
// concurrency control, the last writer wins.
type TaskRepository interface {
	GetAll(ctx context.Context) ([]Task, error)
	GetByID(ctx context.Context, id string) (*Task, error)
	GetByState(ctx context.Context, state State) ([]Task, error)
	Add(ctx context.Context, task Task) (Task, error)
	Update(ctx context.Context, task Task) (Task, error)
	Delete(ctx context.Context, id string) error
}
