package app

import "taskboard/domain"

type CreateTaskCommand struct {
	Title       string
	Description string
	Status      domain.State
}

// UpdateTaskCommand overwrites the editable fields of task ID. An empty
// Status keeps the current column.
type UpdateTaskCommand struct {
	ID          string
	Title       string
	Description string
	Status      domain.State
}

type DeleteTaskCommand struct {
	ID string
}

type GetAllTasksQuery struct{}

type GetTaskByIDQuery struct {
	ID string
}

type GetTasksByStateQuery struct {
	State domain.State
}
