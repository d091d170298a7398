package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxFrameSize = 64 << 10
	writeWait    = 10 * time.Second
)

// Options holds the connection timeouts of the hub.
type Options struct {
	KeepAliveInterval time.Duration
	ClientTimeout     time.Duration
	HandshakeTimeout  time.Duration
	SendBuffer        int
}

func DefaultOptions() Options {
	return Options{
		KeepAliveInterval: 15 * time.Second,
		ClientTimeout:     30 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		SendBuffer:        256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = d.ClientTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

// Hub accepts WebSocket connections and relays task changes between them.
type Hub struct {
	opts     Options
	log      *log.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader
	instance string

	mu        sync.RWMutex
	conns     map[string]*conn
	closed    bool
	backplane *Backplane
	wg        sync.WaitGroup
}

type conn struct {
	id         string
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *conn) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func New(opts Options, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		opts:   opts.withDefaults(),
		log:    logger,
		tracer: otel.Tracer("taskboard/hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		instance: uuid.NewString(),
		conns:    make(map[string]*conn),
	}
}

// UseBackplane fans relayed pushes out to other hub instances.
func (h *Hub) UseBackplane(b *Backplane) {
	h.mu.Lock()
	h.backplane = b
	h.mu.Unlock()
}

// RunBackplane delivers pushes published by other instances until ctx ends.
func (h *Hub) RunBackplane(ctx context.Context) {
	h.mu.RLock()
	b := h.backplane
	h.mu.RUnlock()
	if b == nil {
		return
	}
	b.Run(ctx, h.deliverRemote)
}

// ConnectionCount returns the number of handshaken connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Handle upgrades the request and serves the connection until it closes.
func (h *Hub) Handle(c echo.Context) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "hub is shutting down")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	ws.SetReadLimit(maxFrameSize)

	if err := h.handshake(ws); err != nil {
		h.log.WithError(err).Info("hub handshake rejected")
		h.writeDirect(ws, Frame{Type: FrameClose, Error: err.Error()})
		_ = ws.Close()
		return nil
	}

	cn := &conn{
		id:         uuid.NewString(),
		ws:         ws,
		send:       make(chan []byte, h.opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	// The ack is queued before the connection becomes visible to relays so
	// that it is always the first frame the client reads.
	ack, _ := EncodeFrame(Frame{Type: FrameHandshake, Protocol: ProtocolName, Version: ProtocolVersion, ConnectionID: cn.id})
	cn.trySend(ack)
	if !h.add(cn) {
		h.writeDirect(ws, Frame{Type: FrameClose, Error: "hub is shutting down"})
		_ = ws.Close()
		return nil
	}
	defer h.wg.Done()

	go h.writeLoop(cn)

	h.log.WithField("connectionId", cn.id).Info("hub client connected")
	h.readLoop(c.Request().Context(), cn)

	h.remove(cn)
	cn.stop()
	<-cn.writerDone
	h.log.WithField("connectionId", cn.id).Info("hub client disconnected")
	return nil
}

// Abort closes one connection. It reports whether the connection existed.
func (h *Hub) Abort(connectionID string) bool {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if ok {
		c.stop()
	}
	return ok
}

// Shutdown closes every connection and waits for their handlers to return.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.conns {
		c.stop()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handshake(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	if f.Type != FrameHandshake {
		return errors.New("expected handshake")
	}
	if f.Protocol != ProtocolName || f.Version != ProtocolVersion {
		return errors.New("unsupported protocol")
	}
	return nil
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).WithField("connectionId", c.id).Debug("hub read failed")
			}
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			h.log.WithError(err).WithField("connectionId", c.id).Warn("hub frame dropped")
			continue
		}
		switch f.Type {
		case FramePing:
		case FrameClose:
			return
		case FrameInvoke:
			h.invoke(ctx, c, f)
		default:
			h.log.WithFields(log.Fields{"connectionId": c.id, "type": f.Type}).Debug("unexpected frame")
		}
	}
}

func (h *Hub) invoke(ctx context.Context, c *conn, f Frame) {
	ctx, span := h.tracer.Start(ctx, "hub."+f.Target, trace.WithAttributes(
		attribute.String("hub.connection_id", c.id),
	))
	defer span.End()

	ch, receive, err := ParseInvocation(f.Target, f.Arguments)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.log.WithError(err).WithFields(log.Fields{"connectionId": c.id, "method": f.Target}).Warn("hub invocation rejected")
		h.complete(c, f.InvocationID, err.Error())
		return
	}
	span.SetAttributes(attribute.String("task.id", ch.TaskID))
	h.log.WithFields(log.Fields{"connectionId": c.id, "method": f.Target, "taskId": ch.TaskID}).Info("hub relay")

	push, err := EncodeFrame(Frame{Type: FramePush, Target: receive, Arguments: f.Arguments})
	if err != nil {
		h.complete(c, f.InvocationID, err.Error())
		return
	}
	h.broadcast(push, c.id)

	h.mu.RLock()
	b := h.backplane
	h.mu.RUnlock()
	if b != nil {
		if err := b.Publish(ctx, Envelope{Instance: h.instance, Origin: c.id, Frame: push}); err != nil {
			h.log.WithError(err).WithField("connectionId", c.id).Warn("backplane publish failed")
		}
	}
	h.complete(c, f.InvocationID, "")
}

func (h *Hub) complete(c *conn, invocationID, errMsg string) {
	if invocationID == "" {
		return
	}
	data, err := EncodeFrame(Frame{Type: FrameCompletion, InvocationID: invocationID, Error: errMsg})
	if err != nil {
		return
	}
	if !c.trySend(data) {
		h.log.WithField("connectionId", c.id).Warn("hub send buffer full, completion dropped")
	}
}

func (h *Hub) broadcast(data []byte, except string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.conns {
		if id == except {
			continue
		}
		if !c.trySend(data) {
			h.log.WithField("connectionId", id).Warn("hub send buffer full, push dropped")
		}
	}
}

func (h *Hub) deliverRemote(env Envelope) {
	if env.Instance == h.instance {
		return
	}
	h.broadcast(env.Frame, "")
}

func (h *Hub) writeLoop(c *conn) {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := time.NewTicker(h.opts.KeepAliveInterval)
	defer ticker.Stop()
	ping, _ := EncodeFrame(Frame{Type: FramePing})

	for {
		select {
		case data := <-c.send:
			if err := h.write(c.ws, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(c.ws, ping); err != nil {
				return
			}
		case <-c.done:
			bye, _ := EncodeFrame(Frame{Type: FrameClose})
			_ = h.write(c.ws, bye)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (h *Hub) write(ws *websocket.Conn, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) writeDirect(ws *websocket.Conn, f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		return
	}
	_ = h.write(ws, data)
}
