package hubclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/hub"
)

type testHub struct {
	hub *hub.Hub
	srv *httptest.Server
	url string
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := hub.New(hub.Options{KeepAliveInterval: time.Minute, ClientTimeout: time.Minute, HandshakeTimeout: time.Second}, logger)
	e := echo.New()
	e.GET("/taskhub", h.Handle)
	srv := httptest.NewServer(e)
	th := &testHub{hub: h, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/taskhub"}
	t.Cleanup(th.stop)
	return th
}

func (th *testHub) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = th.hub.Shutdown(ctx)
	th.srv.Close()
}

func newTestClient(t *testing.T, url string, delays ...time.Duration) (*Client, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	if len(delays) == 0 {
		delays = []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}
	}
	c := New(Options{URL: url, ReconnectDelays: delays}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, hook
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func nextEvent(t *testing.T, c *Client) domain.Change {
	t.Helper()
	select {
	case ch := <-c.Events():
		return ch
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for hub event")
	}
	return domain.Change{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Disconnected, true},
		{Connected, Disconnected, true},
		{Connected, Connecting, false},
		{Connecting, Connecting, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	th := startHub(t)
	c, _ := newTestClient(t, th.url)
	if c.Status() != Disconnected {
		t.Fatalf("new client should be disconnected")
	}
	connect(t, c)
	id := c.ConnectionID()
	if c.Status() != Connected || id == "" {
		t.Fatalf("unexpected state %s id %q", c.Status(), id)
	}
	connect(t, c)
	if c.ConnectionID() != id {
		t.Fatalf("second connect must not reconnect")
	}
	if n := th.hub.ConnectionCount(); n != 1 {
		t.Fatalf("expected one hub connection, got %d", n)
	}
}

func TestRelayBetweenSessions(t *testing.T) {
	th := startHub(t)
	a, _ := newTestClient(t, th.url)
	b, _ := newTestClient(t, th.url)
	connect(t, a)
	connect(t, b)

	task := domain.NewTask("Test Task", "Test Description", domain.StateTodo, time.Now())
	if err := a.NotifyTaskCreated(context.Background(), task); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := nextEvent(t, b)
	if got.Kind != domain.TaskCreated || got.Task == nil {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Task.ID != task.ID || got.Task.Title != task.Title || got.Task.Description != task.Description ||
		got.Task.Status != task.Status || !got.Task.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("payload differs: %+v", got.Task)
	}

	if err := b.NotifyTaskMoved(context.Background(), task.ID, domain.StateDone); err != nil {
		t.Fatalf("notify moved: %v", err)
	}
	// the first event a sees is b's, so its own create was not echoed
	echo := nextEvent(t, a)
	if echo.Kind != domain.TaskMoved || echo.TaskID != task.ID || echo.State != domain.StateDone {
		t.Fatalf("unexpected event for a: %+v", echo)
	}
}

func TestReconnectsAfterTransportLoss(t *testing.T) {
	th := startHub(t)
	a, hook := newTestClient(t, th.url)
	b, _ := newTestClient(t, th.url)
	connect(t, a)
	connect(t, b)
	first := a.ConnectionID()

	if !th.hub.Abort(first) {
		t.Fatalf("connection %s not found", first)
	}
	waitFor(t, "reconnect", func() bool {
		id := a.ConnectionID()
		return id != "" && id != first
	})

	var sawDisconnected bool
	for _, e := range hook.AllEntries() {
		if e.Message == "hub client state" && e.Data["to"] == Disconnected {
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Fatalf("client never reported Disconnected")
	}

	if err := b.NotifyTaskDeleted(context.Background(), "t1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := nextEvent(t, a)
	if got.Kind != domain.TaskDeleted || got.TaskID != "t1" {
		t.Fatalf("unexpected event after reconnect: %+v", got)
	}
}

func TestReconnectKeepsRetryingAtLastDelay(t *testing.T) {
	th := startHub(t)
	c, hook := newTestClient(t, th.url, 0, time.Millisecond, 5*time.Millisecond)
	connect(t, c)

	th.stop()
	waitFor(t, "repeated reconnect attempts", func() bool {
		failures := 0
		for _, e := range hook.AllEntries() {
			if e.Message == "hub reconnect failed" {
				failures++
			}
		}
		return failures >= 5
	})
	if c.Status() == Connected {
		t.Fatalf("client cannot be connected to a stopped hub")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.Status() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", c.Status())
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	th := startHub(t)
	c, _ := newTestClient(t, th.url)
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "hub to drop the connection", func() bool { return th.hub.ConnectionCount() == 0 })
	time.Sleep(50 * time.Millisecond)
	if c.Status() != Disconnected || th.hub.ConnectionCount() != 0 {
		t.Fatalf("client reconnected after Disconnect")
	}
}

func TestNotifyPolicy(t *testing.T) {
	c, hook := newTestClient(t, "ws://127.0.0.1:1/taskhub")
	ctx := context.Background()
	task := domain.NewTask("a", "", domain.StateTodo, time.Now())

	if err := c.NotifyTaskCreated(ctx, task); err != nil {
		t.Fatalf("created failure should be swallowed, got %v", err)
	}
	if err := c.NotifyTaskUpdated(ctx, task); err != nil {
		t.Fatalf("updated failure should be swallowed, got %v", err)
	}
	if err := c.NotifyTaskDeleted(ctx, task.ID); err != nil {
		t.Fatalf("deleted failure should be swallowed, got %v", err)
	}
	if err := c.NotifyTaskMoved(ctx, task.ID, domain.StateDone); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("moved failure should propagate, got %v", err)
	}
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "hub notify failed" {
			warnings++
		}
	}
	if warnings != 3 {
		t.Fatalf("expected 3 logged failures, got %d", warnings)
	}

	c.opts.Policy = &NotifyPolicy{Created: Propagate}
	if err := c.NotifyTaskCreated(ctx, task); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

func TestInvokeReportsHubError(t *testing.T) {
	th := startHub(t)
	c, _ := newTestClient(t, th.url)
	connect(t, c)

	err := c.Invoke(context.Background(), "DropTable", nil)
	var invErr *InvocationError
	if !errors.As(err, &invErr) || invErr.Method != "DropTable" || invErr.Message == "" {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	c, _ := newTestClient(t, "ws://127.0.0.1:1/taskhub")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatalf("expected dial error")
	}
	if c.Status() != Disconnected {
		t.Fatalf("expected Disconnected after failed connect, got %s", c.Status())
	}
}

func TestCloseClosesEvents(t *testing.T) {
	th := startHub(t)
	c, _ := newTestClient(t, th.url)
	connect(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatalf("expected events channel to be closed")
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
