package app

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Relay is the hub connection a service forwards its mutations to and
// receives other sessions' mutations from.
type Relay interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Close disconnects for good and releases the event channel.
	Close(ctx context.Context) error
	Events() <-chan domain.Change
	NotifyTaskCreated(ctx context.Context, task domain.Task) error
	NotifyTaskUpdated(ctx context.Context, task domain.Task) error
	NotifyTaskDeleted(ctx context.Context, id string) error
	NotifyTaskMoved(ctx context.Context, id string, state domain.State) error
}

// TaskService is the board façade of one UI session.
type TaskService struct {
	h      Handlers
	relay  Relay
	log    *log.Logger
	broker *changeBroker

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewTaskService(h Handlers, relay Relay, logger *log.Logger) *TaskService {
	if relay == nil {
		panic("app.NewTaskService: relay is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{h: h, relay: relay, log: logger, broker: newChangeBroker()}
}

// Start connects the relay in the background and begins consuming the
// changes it receives. A failed connect is logged only. Calling Start more
// than once has no effect.
func (s *TaskService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			if err := s.relay.Connect(ctx); err != nil {
				s.log.WithError(err).Warn("hub connection failed")
			}
		}()
		go func() {
			defer s.wg.Done()
			s.consume(ctx)
		}()
	})
}

// Close shuts the relay down and closes every subscription.
func (s *TaskService) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.relay.Close(ctx)
		s.wg.Wait()
		s.broker.close()
	})
	return err
}

// Subscribe registers for change notifications. The returned func cancels
// the subscription and closes the channel.
func (s *TaskService) Subscribe() (<-chan Notification, func()) {
	return s.broker.subscribe()
}

func (s *TaskService) GetAll(ctx context.Context) ([]domain.Task, error) {
	return s.h.GetAll.Handle(ctx, GetAllTasksQuery{})
}

func (s *TaskService) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return s.h.GetByID.Handle(ctx, GetTaskByIDQuery{ID: id})
}

func (s *TaskService) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	return s.h.GetByState.Handle(ctx, GetTasksByStateQuery{State: state})
}

// Create stores a new task and relays it. The created task is returned even
// when the relay reports an error.
func (s *TaskService) Create(ctx context.Context, cmd CreateTaskCommand) (domain.Task, error) {
	task, err := s.h.Create.Handle(ctx, cmd)
	if err != nil {
		return domain.Task{}, err
	}
	s.broker.notify(Notification{Origin: OriginLocal, Kind: domain.TaskCreated, TaskID: task.ID})
	return task, s.relay.NotifyTaskCreated(ctx, task)
}

// Update relays the new task and then its column.
func (s *TaskService) Update(ctx context.Context, cmd UpdateTaskCommand) (domain.Task, error) {
	task, err := s.h.Update.Handle(ctx, cmd)
	if err != nil {
		return domain.Task{}, err
	}
	s.broker.notify(Notification{Origin: OriginLocal, Kind: domain.TaskUpdated, TaskID: task.ID})
	if err := s.relay.NotifyTaskUpdated(ctx, task); err != nil {
		return task, err
	}
	return task, s.relay.NotifyTaskMoved(ctx, task.ID, task.Status)
}

func (s *TaskService) Delete(ctx context.Context, id string) error {
	if _, err := s.h.Delete.Handle(ctx, DeleteTaskCommand{ID: id}); err != nil {
		return err
	}
	s.broker.notify(Notification{Origin: OriginLocal, Kind: domain.TaskDeleted, TaskID: id})
	return s.relay.NotifyTaskDeleted(ctx, id)
}

func (s *TaskService) consume(ctx context.Context) {
	events := s.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-events:
			if !ok {
				return
			}
			s.handleRemote(ch)
		}
	}
}

func (s *TaskService) handleRemote(ch domain.Change) {
	switch ch.Kind {
	case domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted:
		s.log.WithFields(log.Fields{"kind": ch.Kind, "taskId": ch.TaskID}).Debug("remote change")
		s.broker.notify(Notification{Origin: OriginRemote, Kind: ch.Kind, TaskID: ch.TaskID})
	default:
		// moves always arrive together with an update
		s.log.WithFields(log.Fields{"kind": ch.Kind, "taskId": ch.TaskID}).Debug("remote change ignored")
	}
}
