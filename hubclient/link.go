package hubclient

import (
	"sync"

	"github.com/gorilla/websocket"

	"taskboard/hub"
)

type result struct {
	frame hub.Frame
	err   error
}

// link is one live WebSocket connection to the hub.
type link struct {
	ws       *websocket.Conn
	id       string
	send     chan []byte
	done     chan struct{}
	readDone chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	ended   bool
	pending map[string]chan result
}

func newLink(ws *websocket.Conn, id string) *link {
	return &link{
		ws:       ws,
		id:       id,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		pending:  make(map[string]chan result),
	}
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *link) await(invocationID string) (chan result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return nil, false
	}
	ch := make(chan result, 1)
	l.pending[invocationID] = ch
	return ch, true
}

func (l *link) forget(invocationID string) {
	l.mu.Lock()
	delete(l.pending, invocationID)
	l.mu.Unlock()
}

func (l *link) resolve(f hub.Frame) {
	l.mu.Lock()
	ch, ok := l.pending[f.InvocationID]
	delete(l.pending, f.InvocationID)
	l.mu.Unlock()
	if ok {
		ch <- result{frame: f}
	}
}

// failPending ends the link for invocations and fails the ones in flight.
func (l *link) failPending(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = true
	for id, ch := range l.pending {
		ch <- result{err: err}
		delete(l.pending, id)
	}
}
