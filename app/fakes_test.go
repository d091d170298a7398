package app

import (
	"context"
	"errors"
	"sync"

	"taskboard/domain"
)

type memRepo struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	updates int
	err     error
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: map[string]domain.Task{}}
}

func (r *memRepo) GetAll(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := []domain.Task{}
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	t, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *memRepo) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Task{}
	for _, t := range r.tasks {
		if t.Status == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Task{}, r.err
	}
	if _, dup := r.tasks[task.ID]; dup {
		return domain.Task{}, errors.New("duplicate id")
	}
	r.tasks[task.ID] = task
	return task, nil
}

func (r *memRepo) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	prev, ok := r.tasks[task.ID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	task.CreatedAt = prev.CreatedAt
	r.tasks[task.ID] = task
	return task, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

type relayCall struct {
	method string
	id     string
	state  domain.State
}

type fakeRelay struct {
	mu         sync.Mutex
	calls      []relayCall
	events     chan domain.Change
	connected  chan struct{}
	connectErr error
	notifyErr  map[string]error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		events:    make(chan domain.Change, 8),
		connected: make(chan struct{}, 1),
		notifyErr: map[string]error{},
	}
}

func (f *fakeRelay) record(method, id string, state domain.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, relayCall{method: method, id: id, state: state})
	return f.notifyErr[method]
}

func (f *fakeRelay) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func (f *fakeRelay) Connect(ctx context.Context) error {
	f.connected <- struct{}{}
	return f.connectErr
}

func (f *fakeRelay) Disconnect(ctx context.Context) error {
	return f.record("Disconnect", "", "")
}

func (f *fakeRelay) Close(ctx context.Context) error {
	return f.record("Close", "", "")
}

func (f *fakeRelay) Events() <-chan domain.Change {
	return f.events
}

func (f *fakeRelay) NotifyTaskCreated(ctx context.Context, task domain.Task) error {
	return f.record("TaskCreated", task.ID, task.Status)
}

func (f *fakeRelay) NotifyTaskUpdated(ctx context.Context, task domain.Task) error {
	return f.record("TaskUpdated", task.ID, task.Status)
}

func (f *fakeRelay) NotifyTaskDeleted(ctx context.Context, id string) error {
	return f.record("TaskDeleted", id, "")
}

func (f *fakeRelay) NotifyTaskMoved(ctx context.Context, id string, state domain.State) error {
	return f.record("TaskMoved", id, state)
}
