package api

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/app"
)

// SessionHeader names the board session a mutation belongs to. The hub does
// not echo a session's own changes back to it.
const SessionHeader = "X-Board-Session"

const defaultSessionID = "default"

// RelayFactory creates the hub connection of a new session.
type RelayFactory func() app.Relay

// Session is one board view with its own façade and hub connection.
type Session struct {
	ID      string
	Service *app.TaskService
}

// Sessions tracks the open board sessions. Requests that name no session,
// or an unknown one, use the default session of the server.
type Sessions struct {
	handlers app.Handlers
	newRelay RelayFactory
	log      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	byID map[string]*Session
	def  *Session
}

// NewSessions starts the default session.
func NewSessions(h app.Handlers, newRelay RelayFactory, logger *log.Logger) *Sessions {
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sessions{
		handlers: h,
		newRelay: newRelay,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		byID:     make(map[string]*Session),
	}
	s.def = s.start(defaultSessionID)
	return s
}

// Open starts a new session.
func (s *Sessions) Open() *Session {
	sess := s.start(uuid.NewString())
	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()
	s.log.WithField("session", sess.ID).Debug("board session opened")
	return sess
}

// Lookup returns the session with the given id or the default session.
func (s *Sessions) Lookup(id string) *Session {
	if id == "" {
		return s.def
	}
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		s.log.WithField("session", id).Debug("unknown board session, using default")
		return s.def
	}
	return sess
}

// Count returns the number of open sessions, not counting the default one.
func (s *Sessions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close ends a session and its hub connection.
func (s *Sessions) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.log.WithField("session", id).Debug("board session closed")
	return sess.Service.Close(ctx)
}

// Shutdown closes every session including the default one.
func (s *Sessions) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.byID)+1)
	for id, sess := range s.byID {
		open = append(open, sess)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	open = append(open, s.def)

	var firstErr error
	for _, sess := range open {
		if err := sess.Service.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.cancel()
	return firstErr
}

func (s *Sessions) start(id string) *Session {
	svc := app.NewTaskService(s.handlers, s.newRelay(), s.log)
	svc.Start(s.ctx)
	return &Session{ID: id, Service: svc}
}
