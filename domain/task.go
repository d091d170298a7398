package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task represents a single card on the board.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Status         State     `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// NewTask builds a task with a fresh id. Both timestamps are set to now.
func NewTask(title, description string, status State, now time.Time) Task {
	if status == "" {
		status = StateTodo
	}
	now = now.UTC()
	return Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    description,
		Status:         status,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// Touch returns a modification stamp strictly after prev.
func Touch(prev, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond).UTC()
	}
	return now
}
