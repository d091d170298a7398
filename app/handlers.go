package app

import (
	"context"
	"fmt"
	"time"

	"taskboard/domain"
)

type CreateTaskHandler struct {
	repo domain.TaskRepository
	now  func() time.Time
}

func NewCreateTaskHandler(repo domain.TaskRepository) *CreateTaskHandler {
	return &CreateTaskHandler{repo: repo, now: time.Now}
}

func (h *CreateTaskHandler) Handle(ctx context.Context, cmd CreateTaskCommand) (domain.Task, error) {
	task := domain.NewTask(cmd.Title, cmd.Description, cmd.Status, h.now())
	return h.repo.Add(ctx, task)
}

type UpdateTaskHandler struct {
	repo domain.TaskRepository
	now  func() time.Time
}

func NewUpdateTaskHandler(repo domain.TaskRepository) *UpdateTaskHandler {
	return &UpdateTaskHandler{repo: repo, now: time.Now}
}

// Handle fails with domain.ErrNotFound when the task does not exist; nothing
// is written in that case.
func (h *UpdateTaskHandler) Handle(ctx context.Context, cmd UpdateTaskCommand) (domain.Task, error) {
	existing, err := h.repo.GetByID(ctx, cmd.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if existing == nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", cmd.ID, domain.ErrNotFound)
	}
	task := *existing
	task.Title = cmd.Title
	task.Description = cmd.Description
	if cmd.Status != "" {
		task.Status = cmd.Status
	}
	task.LastModifiedAt = domain.Touch(existing.LastModifiedAt, h.now())
	return h.repo.Update(ctx, task)
}

type DeleteTaskHandler struct {
	repo domain.TaskRepository
}

func NewDeleteTaskHandler(repo domain.TaskRepository) *DeleteTaskHandler {
	return &DeleteTaskHandler{repo: repo}
}

func (h *DeleteTaskHandler) Handle(ctx context.Context, cmd DeleteTaskCommand) (Unit, error) {
	return Unit{}, h.repo.Delete(ctx, cmd.ID)
}

type GetAllTasksHandler struct {
	repo domain.TaskRepository
}

func NewGetAllTasksHandler(repo domain.TaskRepository) *GetAllTasksHandler {
	return &GetAllTasksHandler{repo: repo}
}

func (h *GetAllTasksHandler) Handle(ctx context.Context, _ GetAllTasksQuery) ([]domain.Task, error) {
	return h.repo.GetAll(ctx)
}

type GetTaskByIDHandler struct {
	repo domain.TaskRepository
}

func NewGetTaskByIDHandler(repo domain.TaskRepository) *GetTaskByIDHandler {
	return &GetTaskByIDHandler{repo: repo}
}

func (h *GetTaskByIDHandler) Handle(ctx context.Context, q GetTaskByIDQuery) (*domain.Task, error) {
	return h.repo.GetByID(ctx, q.ID)
}

type GetTasksByStateHandler struct {
	repo domain.TaskRepository
}

func NewGetTasksByStateHandler(repo domain.TaskRepository) *GetTasksByStateHandler {
	return &GetTasksByStateHandler{repo: repo}
}

func (h *GetTasksByStateHandler) Handle(ctx context.Context, q GetTasksByStateQuery) ([]domain.Task, error) {
	return h.repo.GetByState(ctx, q.State)
}

// Handlers bundles every use case the service dispatches to.
type Handlers struct {
	Create     CommandHandler[CreateTaskCommand, domain.Task]
	Update     CommandHandler[UpdateTaskCommand, domain.Task]
	Delete     CommandHandler[DeleteTaskCommand, Unit]
	GetAll     QueryHandler[GetAllTasksQuery, []domain.Task]
	GetByID    QueryHandler[GetTaskByIDQuery, *domain.Task]
	GetByState QueryHandler[GetTasksByStateQuery, []domain.Task]
}

// NewHandlers wires the default handler for every use case to repo.
func NewHandlers(repo domain.TaskRepository) Handlers {
	return Handlers{
		Create:     NewCreateTaskHandler(repo),
		Update:     NewUpdateTaskHandler(repo),
		Delete:     NewDeleteTaskHandler(repo),
		GetAll:     NewGetAllTasksHandler(repo),
		GetByID:    NewGetTaskByIDHandler(repo),
		GetByState: NewGetTasksByStateHandler(repo),
	}
}
