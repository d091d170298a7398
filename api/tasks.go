package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskboard/app"
	"taskboard/domain"
)

func sessionService(c echo.Context, sessions *Sessions) *app.TaskService {
	return sessions.Lookup(c.Request().Header.Get(SessionHeader)).Service
}

func listTasks(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		svc := sessionService(c, sessions)
		ctx := c.Request().Context()
		raw := c.QueryParam("state")
		if raw == "" {
			tasks, err := svc.GetAll(ctx)
			if err != nil {
				return err
			}
			return c.JSON(http.StatusOK, tasks)
		}
		state, err := domain.ParseState(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		tasks, err := svc.GetByState(ctx, state)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func getTask(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := sessionService(c, sessions).GetByID(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		if task == nil {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindTask(c)
		if err != nil {
			return err
		}
		task, err := sessionService(c, sessions).Create(c.Request().Context(), app.CreateTaskCommand{
			Title:       req.Title,
			Description: req.Description,
			Status:      domain.State(req.Status),
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindTask(c)
		if err != nil {
			return err
		}
		task, err := sessionService(c, sessions).Update(c.Request().Context(), app.UpdateTaskCommand{
			ID:          c.Param("id"),
			Title:       req.Title,
			Description: req.Description,
			Status:      domain.State(req.Status),
		})
		if errors.Is(err, domain.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sessionService(c, sessions).Delete(c.Request().Context(), c.Param("id")); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func bindTask(c echo.Context) (TaskRequest, error) {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return TaskRequest{}, err
	}
	if err := c.Validate(&req); err != nil {
		return TaskRequest{}, err
	}
	return req, nil
}
