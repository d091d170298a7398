// Package storage holds the task repository adapters and the decorators
// layered over them.
package storage

import (
	"context"
	"sort"

	"taskboard/domain"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ domain.TaskRepository = (*SQLStore)(nil)
	_ domain.TaskRepository = (*TableStore)(nil)
	_ domain.TaskRepository = (*Cache)(nil)
	_ domain.TaskRepository = (*Feed)(nil)
)

func sortByCreation(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
