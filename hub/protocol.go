// Package hub relays task changes between board sessions over WebSocket.
//
// Every message is one JSON text frame. A client opens with a handshake,
// then sends invocations of the TaskCreated, TaskUpdated, TaskDeleted and
// TaskMoved methods. The hub answers each with a completion and pushes the
// same arguments to every other connection under the matching Receive*
// target. Both sides send ping frames to keep the connection alive.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	ProtocolName    = "json"
	ProtocolVersion = 1
)

type FrameType string

const (
	FrameHandshake  FrameType = "handshake"
	FrameInvoke     FrameType = "invoke"
	FrameCompletion FrameType = "completion"
	FramePush       FrameType = "push"
	FramePing       FrameType = "ping"
	FrameClose      FrameType = "close"
)

// Hub methods invoked by clients.
const (
	MethodTaskCreated = "TaskCreated"
	MethodTaskUpdated = "TaskUpdated"
	MethodTaskDeleted = "TaskDeleted"
	MethodTaskMoved   = "TaskMoved"
)

// Targets pushed to the other clients.
const (
	ReceiveTaskCreated = "ReceiveTaskCreated"
	ReceiveTaskUpdated = "ReceiveTaskUpdated"
	ReceiveTaskDeleted = "ReceiveTaskDeleted"
	ReceiveTaskMoved   = "ReceiveTaskMoved"
)

// Frame is the single envelope exchanged in both directions.
type Frame struct {
	Type         FrameType         `json:"type"`
	Protocol     string            `json:"protocol,omitempty"`
	Version      int               `json:"version,omitempty"`
	ConnectionID string            `json:"connectionId,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

var ErrMalformedArguments = errors.New("malformed arguments")

type method struct {
	kind    domain.ChangeKind
	receive string
}

var methods = map[string]method{
	MethodTaskCreated: {kind: domain.TaskCreated, receive: ReceiveTaskCreated},
	MethodTaskUpdated: {kind: domain.TaskUpdated, receive: ReceiveTaskUpdated},
	MethodTaskDeleted: {kind: domain.TaskDeleted, receive: ReceiveTaskDeleted},
	MethodTaskMoved:   {kind: domain.TaskMoved, receive: ReceiveTaskMoved},
}

var receiveKinds = map[string]domain.ChangeKind{
	ReceiveTaskCreated: domain.TaskCreated,
	ReceiveTaskUpdated: domain.TaskUpdated,
	ReceiveTaskDeleted: domain.TaskDeleted,
	ReceiveTaskMoved:   domain.TaskMoved,
}

func EncodeFrame(f Frame) ([]byte, error) {
	return sonic.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame without type")
	}
	return f, nil
}

// ParseInvocation validates the arguments of a hub method call and returns
// the change it describes together with the target to relay it under.
func ParseInvocation(target string, args []json.RawMessage) (domain.Change, string, error) {
	m, ok := methods[target]
	if !ok {
		return domain.Change{}, "", fmt.Errorf("unknown method %q", target)
	}
	ch, err := decodeChange(m.kind, args)
	if err != nil {
		return domain.Change{}, "", fmt.Errorf("%s: %w", target, err)
	}
	return ch, m.receive, nil
}

// ParsePush decodes a Receive* push into a change.
func ParsePush(target string, args []json.RawMessage) (domain.Change, error) {
	kind, ok := receiveKinds[target]
	if !ok {
		return domain.Change{}, fmt.Errorf("unknown target %q", target)
	}
	ch, err := decodeChange(kind, args)
	if err != nil {
		return domain.Change{}, fmt.Errorf("%s: %w", target, err)
	}
	return ch, nil
}

// Invocation builds the method name and arguments announcing ch.
func Invocation(ch domain.Change) (string, []json.RawMessage, error) {
	var (
		target string
		values []any
	)
	switch ch.Kind {
	case domain.TaskCreated, domain.TaskUpdated:
		if ch.Task == nil {
			return "", nil, ErrMalformedArguments
		}
		target = MethodTaskCreated
		if ch.Kind == domain.TaskUpdated {
			target = MethodTaskUpdated
		}
		values = []any{ch.Task}
	case domain.TaskDeleted:
		target, values = MethodTaskDeleted, []any{ch.TaskID}
	case domain.TaskMoved:
		target, values = MethodTaskMoved, []any{ch.TaskID, ch.State}
	default:
		return "", nil, fmt.Errorf("unknown change kind %q", ch.Kind)
	}
	args := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := sonic.Marshal(v)
		if err != nil {
			return "", nil, err
		}
		args = append(args, raw)
	}
	return target, args, nil
}

func decodeChange(kind domain.ChangeKind, args []json.RawMessage) (domain.Change, error) {
	ch := domain.Change{Kind: kind}
	switch kind {
	case domain.TaskCreated, domain.TaskUpdated:
		if len(args) != 1 {
			return ch, ErrMalformedArguments
		}
		var task domain.Task
		if err := sonic.Unmarshal(args[0], &task); err != nil || task.ID == "" {
			return ch, ErrMalformedArguments
		}
		if task.Status != "" && !task.Status.Valid() {
			return ch, ErrMalformedArguments
		}
		ch.Task, ch.TaskID = &task, task.ID
	case domain.TaskDeleted:
		if len(args) != 1 {
			return ch, ErrMalformedArguments
		}
		if err := sonic.Unmarshal(args[0], &ch.TaskID); err != nil || ch.TaskID == "" {
			return ch, ErrMalformedArguments
		}
	case domain.TaskMoved:
		if len(args) != 2 {
			return ch, ErrMalformedArguments
		}
		if err := sonic.Unmarshal(args[0], &ch.TaskID); err != nil || ch.TaskID == "" {
			return ch, ErrMalformedArguments
		}
		var raw string
		if err := sonic.Unmarshal(args[1], &raw); err != nil {
			return ch, ErrMalformedArguments
		}
		ch.State = domain.State(raw)
		if !ch.State.Valid() {
			return ch, ErrMalformedArguments
		}
	}
	return ch, nil
}
