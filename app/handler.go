// Package app contains the board use cases: one handler per command or query
// and the TaskService façade the HTTP surface talks to.
package app

import "context"

// Unit is the result of commands that produce no value.
type Unit struct{}

// CommandHandler executes a state-changing use case.
type CommandHandler[C any, R any] interface {
	Handle(ctx context.Context, cmd C) (R, error)
}

// QueryHandler executes a read-only use case.
type QueryHandler[Q any, R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}
