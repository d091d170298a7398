package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/app"
	"taskboard/domain"
)

const (
	headerBaseClass       = "task-column-header text-white"
	headerTodoClass       = "task-column-header-todo"
	headerInProgressClass = "task-column-header-in-progress"
	headerDoneClass       = "task-column-header-done"
)

// HeaderClass returns the CSS classes of the column header for state.
func HeaderClass(state domain.State) string {
	switch state {
	case domain.StateTodo:
		return headerBaseClass + " " + headerTodoClass
	case domain.StateInProgress:
		return headerBaseClass + " " + headerInProgressClass
	case domain.StateDone:
		return headerBaseClass + " " + headerDoneClass
	default:
		return headerBaseClass
	}
}

var columnTitles = map[domain.State]string{
	domain.StateTodo:       "To Do",
	domain.StateInProgress: "In Progress",
	domain.StateDone:       "Done",
}

type Column struct {
	State       domain.State  `json:"state"`
	Title       string        `json:"title"`
	HeaderClass string        `json:"headerClass"`
	Tasks       []domain.Task `json:"tasks"`
}

type Board struct {
	Columns []Column `json:"columns"`
}

func loadBoard(ctx context.Context, svc *app.TaskService) (Board, error) {
	states := domain.States()
	board := Board{Columns: make([]Column, 0, len(states))}
	for _, s := range states {
		tasks, err := svc.GetByState(ctx, s)
		if err != nil {
			return Board{}, err
		}
		board.Columns = append(board.Columns, Column{
			State:       s,
			Title:       columnTitles[s],
			HeaderClass: HeaderClass(s),
			Tasks:       tasks,
		})
	}
	return board, nil
}

func getBoard(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		svc := sessionService(c, sessions)
		board, err := loadBoard(c.Request().Context(), svc)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, board)
	}
}

// streamBoard opens a board session for the lifetime of the request and
// sends the whole board again after every change.
func streamBoard(sessions *Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		sess := sessions.Open()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sessions.Close(ctx, sess.ID); err != nil {
				logger.WithError(err).WithField("session", sess.ID).Warn("close board session")
			}
		}()
		updates, unsubscribe := sess.Service.Subscribe()
		defer unsubscribe()

		ctx := c.Request().Context()
		if err := writeEvent(c, flusher, "session", map[string]string{"id": sess.ID}); err != nil {
			return nil
		}
		for {
			board, err := loadBoard(ctx, sess.Service)
			if err != nil {
				logger.WithError(err).WithField("session", sess.ID).Error("load board")
				return nil
			}
			if err := writeEvent(c, flusher, "board", board); err != nil {
				logger.WithError(err).WithField("session", sess.ID).Debug("board stream write failed")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-updates:
				if !ok {
					return nil
				}
			}
		}
	}
}

func writeEvent(c echo.Context, flusher http.Flusher, event string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
