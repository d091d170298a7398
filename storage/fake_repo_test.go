package storage

import (
	"context"
	"sync"

	"taskboard/domain"
)

// fakeRepo is an in-memory repository counting list calls.
type fakeRepo struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	listCalls int
	failWith  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: map[string]domain.Task{}}
}

func (r *fakeRepo) GetAll(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	out := []domain.Task{}
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sortByCreation(out)
	return out, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *fakeRepo) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	out := []domain.Task{}
	for _, t := range r.tasks {
		if t.Status == state {
			out = append(out, t)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *fakeRepo) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return domain.Task{}, r.failWith
	}
	r.tasks[task.ID] = task
	return task, nil
}

func (r *fakeRepo) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return domain.Task{}, r.failWith
	}
	if _, ok := r.tasks[task.ID]; !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	r.tasks[task.ID] = task
	return task, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	delete(r.tasks, id)
	return nil
}
