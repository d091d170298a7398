package app

import (
	"sync"

	"taskboard/domain"
)

// Origin tells whether a change was made through this service or relayed
// from another session.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Notification asks subscribers to reload the board.
type Notification struct {
	Origin Origin
	Kind   domain.ChangeKind
	TaskID string
}

const subscriberBuffer = 16

type changeBroker struct {
	mu     sync.Mutex
	subs   map[chan Notification]struct{}
	closed bool
}

func newChangeBroker() *changeBroker {
	return &changeBroker{subs: make(map[chan Notification]struct{})}
}

func (b *changeBroker) subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
}

func (b *changeBroker) unsubscribe(ch chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// notify never blocks. A subscriber whose buffer is full already has a
// reload pending and loses this one.
func (b *changeBroker) notify(n Notification) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *changeBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
