// Package hubclient connects one board session to the task hub.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/hub"
)

const writeWait = 10 * time.Second

// Options configures a Client.
type Options struct {
	URL               string
	ReconnectDelays   []time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	HandshakeTimeout  time.Duration
	EventBuffer       int
	// Policy defaults to DefaultNotifyPolicy when nil.
	Policy *NotifyPolicy
	Dialer *websocket.Dialer
}

// DefaultReconnectDelays retries immediately, then after 5 and 10 seconds.
// The last delay repeats until a reconnect succeeds.
func DefaultReconnectDelays() []time.Duration {
	return []time.Duration{0, 5 * time.Second, 10 * time.Second}
}

func (o Options) withDefaults() Options {
	if len(o.ReconnectDelays) == 0 {
		o.ReconnectDelays = DefaultReconnectDelays()
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 15 * time.Second
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Policy == nil {
		p := DefaultNotifyPolicy()
		o.Policy = &p
	}
	return o
}

// Client is the hub connection of one board session.
type Client struct {
	opts Options
	log  *log.Logger

	// sem serializes Connect, Disconnect and reconnect attempts.
	sem chan struct{}

	mu              sync.Mutex
	st              state
	wantConnected   bool
	closed          bool
	reconnectCancel context.CancelFunc

	events    chan domain.Change
	nextID    atomic.Uint64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	return &Client{
		opts:   opts,
		log:    logger,
		sem:    make(chan struct{}, 1),
		st:     disconnectedState{},
		events: make(chan domain.Change, opts.EventBuffer),
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.status()
}

// ConnectionID returns the id the hub assigned to the live connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.st.(connectedState); ok {
		return s.link.id
	}
	return ""
}

// Events delivers the changes other sessions relay through the hub. It is
// closed by Close.
func (c *Client) Events() <-chan domain.Change {
	return c.events
}

// Connect opens the hub connection. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.st.status() == Connected {
		c.mu.Unlock()
		return nil
	}
	c.wantConnected = true
	c.mu.Unlock()

	return c.open(ctx)
}

// Disconnect closes the hub connection and stops reconnecting.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.wantConnected = false
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	s, ok := c.st.(connectedState)
	if ok {
		c.setState(disconnectedState{})
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.link.stop()
	select {
	case <-s.link.readDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.WithField("connectionId", s.link.id).Info("hub connection closed")
	return nil
}

// Close disconnects and releases the client. The Events channel is closed.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.reconnectCancel != nil {
			c.reconnectCancel()
			c.reconnectCancel = nil
		}
		if s, ok := c.st.(connectedState); ok {
			s.link.stop()
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.events)
	})
	return err
}

func (c *Client) NotifyTaskCreated(ctx context.Context, task domain.Task) error {
	return c.notify(ctx, c.opts.Policy.Created, domain.Change{Kind: domain.TaskCreated, TaskID: task.ID, Task: &task})
}

func (c *Client) NotifyTaskUpdated(ctx context.Context, task domain.Task) error {
	return c.notify(ctx, c.opts.Policy.Updated, domain.Change{Kind: domain.TaskUpdated, TaskID: task.ID, Task: &task})
}

func (c *Client) NotifyTaskDeleted(ctx context.Context, id string) error {
	return c.notify(ctx, c.opts.Policy.Deleted, domain.Change{Kind: domain.TaskDeleted, TaskID: id})
}

func (c *Client) NotifyTaskMoved(ctx context.Context, id string, state domain.State) error {
	return c.notify(ctx, c.opts.Policy.Moved, domain.Change{Kind: domain.TaskMoved, TaskID: id, State: state})
}

func (c *Client) notify(ctx context.Context, mode FailureMode, ch domain.Change) error {
	target, args, err := hub.Invocation(ch)
	if err == nil {
		err = c.Invoke(ctx, target, args)
	}
	if err != nil && mode == Swallow {
		c.log.WithError(err).WithFields(log.Fields{"kind": ch.Kind, "taskId": ch.TaskID}).Warn("hub notify failed")
		return nil
	}
	return err
}

// Invoke calls a hub method and waits for its completion.
func (c *Client) Invoke(ctx context.Context, target string, args []json.RawMessage) error {
	c.mu.Lock()
	s, ok := c.st.(connectedState)
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	l := s.link

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	wait, ok := l.await(id)
	if !ok {
		return ErrConnectionLost
	}
	data, err := hub.EncodeFrame(hub.Frame{Type: hub.FrameInvoke, InvocationID: id, Target: target, Arguments: args})
	if err != nil {
		l.forget(id)
		return err
	}

	select {
	case l.send <- data:
	case <-l.done:
		l.forget(id)
		return ErrConnectionLost
	case <-ctx.Done():
		l.forget(id)
		return ctx.Err()
	}

	select {
	case r := <-wait:
		if r.err != nil {
			return r.err
		}
		if r.frame.Error != "" {
			return &InvocationError{Method: target, Message: r.frame.Error}
		}
		return nil
	case <-ctx.Done():
		l.forget(id)
		return ctx.Err()
	}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// setState moves to next. Callers hold c.mu.
func (c *Client) setState(next state) {
	from, to := c.st.status(), next.status()
	if !canTransition(from, to) {
		panic(fmt.Sprintf("hubclient: invalid transition %s -> %s", from, to))
	}
	c.st = next
	c.log.WithFields(log.Fields{"from": from, "to": to}).Debug("hub client state")
}

// open dials the hub. Callers hold the semaphore.
func (c *Client) open(ctx context.Context) error {
	c.mu.Lock()
	c.setState(connectingState{})
	c.mu.Unlock()

	l, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setState(disconnectedState{})
		return err
	}
	if c.closed || !c.wantConnected {
		c.setState(disconnectedState{})
		_ = l.ws.Close()
		return ErrClosed
	}
	c.setState(connectedState{link: l})
	c.wg.Add(2)
	go c.readLoop(l)
	go c.writeLoop(l)
	c.log.WithField("connectionId", l.id).Info("hub connected")
	return nil
}

func (c *Client) dial(ctx context.Context) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.opts.Dialer.DialContext(dctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	hello, _ := hub.EncodeFrame(hub.Frame{Type: hub.FrameHandshake, Protocol: hub.ProtocolName, Version: hub.ProtocolVersion})
	deadline, _ := dctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	f, err := hub.DecodeFrame(data)
	if err != nil || f.Type != hub.FrameHandshake || f.ConnectionID == "" {
		_ = ws.Close()
		if err == nil {
			err = errors.New(f.Error)
		}
		return nil, fmt.Errorf("hub handshake rejected: %w", err)
	}
	return newLink(ws, f.ConnectionID), nil
}

func (c *Client) readLoop(l *link) {
	defer c.wg.Done()
	defer close(l.readDone)

	for {
		_ = l.ws.SetReadDeadline(time.Now().Add(c.opts.ServerTimeout))
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			break
		}
		f, err := hub.DecodeFrame(data)
		if err != nil {
			c.log.WithError(err).Warn("hub frame dropped")
			continue
		}
		if f.Type == hub.FrameClose {
			break
		}
		switch f.Type {
		case hub.FramePush:
			c.deliver(f)
		case hub.FrameCompletion:
			l.resolve(f)
		}
	}

	l.stop()
	l.failPending(ErrConnectionLost)
	c.lost(l)
}

func (c *Client) writeLoop(l *link) {
	defer c.wg.Done()
	defer l.ws.Close()

	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	ping, _ := hub.EncodeFrame(hub.Frame{Type: hub.FramePing})

	for {
		select {
		case data := <-l.send:
			if err := write(l.ws, data); err != nil {
				l.stop()
				return
			}
		case <-ticker.C:
			if err := write(l.ws, ping); err != nil {
				l.stop()
				return
			}
		case <-l.done:
			bye, _ := hub.EncodeFrame(hub.Frame{Type: hub.FrameClose})
			_ = write(l.ws, bye)
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func write(ws *websocket.Conn, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) deliver(f hub.Frame) {
	ch, err := hub.ParsePush(f.Target, f.Arguments)
	if err != nil {
		c.log.WithError(err).WithField("target", f.Target).Warn("hub push dropped")
		return
	}
	select {
	case c.events <- ch:
	default:
		c.log.WithFields(log.Fields{"kind": ch.Kind, "taskId": ch.TaskID}).Warn("hub event buffer full, change dropped")
	}
}

// lost handles the end of a link. An unexpected loss starts reconnecting.
func (c *Client) lost(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.st.(connectedState)
	if !ok || s.link != l {
		return
	}
	c.setState(disconnectedState{})
	if c.closed || !c.wantConnected {
		return
	}
	c.log.WithField("connectionId", l.id).Warn("hub connection lost, reconnecting")

	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.wg.Add(1)
	go c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) {
	defer c.wg.Done()
	delays := c.opts.ReconnectDelays
	for attempt := 0; ; attempt++ {
		delay := delays[len(delays)-1]
		if attempt < len(delays) {
			delay = delays[attempt]
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		if err := c.acquire(ctx); err != nil {
			return
		}
		c.mu.Lock()
		skip := c.closed || !c.wantConnected || c.st.status() == Connected
		c.mu.Unlock()
		if skip {
			c.release()
			return
		}
		err := c.open(ctx)
		c.release()
		if err == nil {
			c.log.WithField("attempt", attempt+1).Info("hub reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("hub reconnect failed")
	}
}
