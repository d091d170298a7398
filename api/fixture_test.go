package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/app"
	"taskboard/domain"
	"taskboard/storage"
)

type stubRelay struct {
	mu           sync.Mutex
	events       chan domain.Change
	created      []domain.Task
	disconnected bool
	closed       bool
}

func newStubRelay() *stubRelay {
	return &stubRelay{events: make(chan domain.Change)}
}

func (r *stubRelay) Connect(ctx context.Context) error { return nil }

func (r *stubRelay) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.disconnected = true
	r.mu.Unlock()
	return nil
}

func (r *stubRelay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *stubRelay) Events() <-chan domain.Change { return r.events }

func (r *stubRelay) NotifyTaskCreated(ctx context.Context, task domain.Task) error {
	r.mu.Lock()
	r.created = append(r.created, task)
	r.mu.Unlock()
	return nil
}

func (r *stubRelay) NotifyTaskUpdated(ctx context.Context, task domain.Task) error { return nil }

func (r *stubRelay) NotifyTaskDeleted(ctx context.Context, id string) error { return nil }

func (r *stubRelay) NotifyTaskMoved(ctx context.Context, id string, state domain.State) error {
	return nil
}

func (r *stubRelay) wasClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type stubRelays struct {
	mu     sync.Mutex
	relays []*stubRelay
}

func (s *stubRelays) new() app.Relay {
	r := newStubRelay()
	s.mu.Lock()
	s.relays = append(s.relays, r)
	s.mu.Unlock()
	return r
}

func (s *stubRelays) all() []*stubRelay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stubRelay(nil), s.relays...)
}

var errStoreDown = errors.New("store down")

type brokenRepo struct{}

func (brokenRepo) GetAll(context.Context) ([]domain.Task, error) { return nil, errStoreDown }
func (brokenRepo) GetByID(context.Context, string) (*domain.Task, error) {
	return nil, errStoreDown
}
func (brokenRepo) GetByState(context.Context, domain.State) ([]domain.Task, error) {
	return nil, errStoreDown
}
func (brokenRepo) Add(context.Context, domain.Task) (domain.Task, error) {
	return domain.Task{}, errStoreDown
}
func (brokenRepo) Update(context.Context, domain.Task) (domain.Task, error) {
	return domain.Task{}, errStoreDown
}
func (brokenRepo) Delete(context.Context, string) error { return errStoreDown }
func (brokenRepo) Ping(context.Context) error           { return errStoreDown }

func newSQLRepo(t *testing.T) *storage.SQLStore {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := storage.NewSQLStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fixture struct {
	e        *echo.Echo
	sessions *Sessions
	relays   *stubRelays
	readme   string
}

type repoWithPing interface {
	domain.TaskRepository
	storage.Pinger
}

func newFixture(t *testing.T, repo repoWithPing) *fixture {
	t.Helper()
	if repo == nil {
		repo = newSQLRepo(t)
	}
	logger, _ := test.NewNullLogger()
	relays := &stubRelays{}
	sessions := NewSessions(app.NewHandlers(repo), relays.new, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})
	readme := filepath.Join(t.TempDir(), "README.md")
	e := NewServer(logger, ServerOptions{})
	Register(e, Deps{
		Sessions: sessions,
		Health:   repo,
		Readme:   NewReadme(readme),
		Logger:   logger,
	})
	return &fixture{e: e, sessions: sessions, relays: relays, readme: readme}
}

func (f *fixture) do(method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}
