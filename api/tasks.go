package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ameno-api/domain"
	"ameno-api/tasks"
)

const idempotencyHeader = "Idempotency-Key"

type taskResponse struct {
	domain.Task
	ReminderWarning string `json:"reminderWarning,omitempty"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func writeResult(c echo.Context, status int, res tasks.Result) error {
	warn := reminderWarning(res.ReminderErr)
	metricsFrom(c).SetReminderWarning(warn)
	return writeJSON(c, status, taskResponse{Task: res.Task, ReminderWarning: warn})
}

func writeJSON(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m := metricsFrom(c)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

// timed runs fn and charges its duration to the store timing.
func timed[T any](c echo.Context, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metricsFrom(c).ObserveStore(time.Since(start))
	return v, err
}

func listTasks(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)
		q := c.QueryParam("q")
		list := c.QueryParam("list")
		out, err := timed(c, func() ([]domain.Task, error) {
			if strings.TrimSpace(q) != "" {
				return d.Tasks.Search(ctx, uid, q)
			}
			return d.Tasks.List(ctx, uid, list)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		metricsFrom(c).SetItemsReturned(len(out))
		return writeJSON(c, http.StatusOK, tasksResponse{Tasks: out})
	}
}

func getTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := timed(c, func() (domain.Task, error) {
			return d.Tasks.Get(c.Request().Context(), userID(c), c.Param("id"))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, t)
	}
}

func validTaskID(id string) bool {
	return len(id) <= 256 && !strings.ContainsAny(id, "/\\#?\t\n\r")
}

// createTask stores a new task. With an Idempotency-Key the key doubles as
// the task id unless the body carries one, and a repeated request returns
// the task the first one created.
func createTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)
		var t domain.Task
		if err := decodeBody(c, &t, true); err != nil {
			return writeError(c, d.Logger, err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		if key != "" && t.ID == "" {
			t.ID = key
		}
		if !validTaskID(t.ID) {
			return writeError(c, d.Logger, &domain.ValidationError{Field: "id", Msg: "contains reserved characters"})
		}

		recorded := false
		if key != "" && d.Deduper != nil {
			added, err := d.Deduper.Add(ctx, uid, key)
			if err != nil {
				d.Logger.WithError(err).Warn("idempotency check failed; creating without it")
			} else if !added {
				existing, err := timed(c, func() (domain.Task, error) { return d.Tasks.Get(ctx, uid, t.ID) })
				if errors.Is(err, domain.ErrNotFound) {
					metricsFrom(c).SetErrorStage("duplicate_in_flight")
					return c.JSON(http.StatusConflict, errorBody{Error: "request already in progress"})
				}
				if err != nil {
					return writeError(c, d.Logger, err)
				}
				return writeJSON(c, http.StatusOK, taskResponse{Task: existing})
			} else {
				recorded = true
			}
		}

		res, err := timed(c, func() (tasks.Result, error) { return d.Tasks.Create(ctx, uid, t) })
		if err != nil {
			if recorded {
				if rerr := d.Deduper.Remove(ctx, uid, key); rerr != nil {
					d.Logger.WithError(rerr).Warn("unable to release idempotency key")
				}
			}
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusCreated, res)
	}
}

func patchTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var p domain.TaskPatch
		if err := decodeBody(c, &p, false); err != nil {
			return writeError(c, d.Logger, err)
		}
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.Update(c.Request().Context(), userID(c), c.Param("id"), p)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

func deleteTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := timed(c, func() (struct{}, error) {
			return struct{}{}, d.Tasks.Delete(c.Request().Context(), userID(c), c.Param("id"))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func setCompleted(d Deps, completed bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.SetCompleted(c.Request().Context(), userID(c), c.Param("id"), completed)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

type importantRequest struct {
	Important *bool `json:"important"`
}

// setImportant sets the flag from the body, or flips it when the body is empty.
func setImportant(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid, id := userID(c), c.Param("id")
		var req importantRequest
		if c.Request().ContentLength != 0 {
			if err := decodeBody(c, &req, true); err != nil {
				return writeError(c, d.Logger, err)
			}
		}
		res, err := timed(c, func() (tasks.Result, error) {
			important := false
			if req.Important != nil {
				important = *req.Important
			} else {
				cur, err := d.Tasks.Get(ctx, uid, id)
				if err != nil {
					return tasks.Result{}, err
				}
				important = !cur.Important
			}
			return d.Tasks.SetImportant(ctx, uid, id, important)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

func addToMyDay(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.MoveToList(c.Request().Context(), userID(c), c.Param("id"), domain.ListMyDay)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

type subtaskRequest struct {
	Title string `json:"title"`
}

func addSubtask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req subtaskRequest
		if err := decodeBody(c, &req, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.AddSubtask(c.Request().Context(), userID(c), c.Param("id"), req.Title)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusCreated, res)
	}
}

func toggleSubtask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.ToggleSubtask(c.Request().Context(), userID(c), c.Param("id"), c.Param("sid"))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

func removeSubtask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := timed(c, func() (tasks.Result, error) {
			return d.Tasks.RemoveSubtask(c.Request().Context(), userID(c), c.Param("id"), c.Param("sid"))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeResult(c, http.StatusOK, res)
	}
}

func myDayCandidates(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		out, err := timed(c, func() ([]domain.Task, error) {
			return d.Tasks.MyDayCandidates(c.Request().Context(), userID(c))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		metricsFrom(c).SetItemsReturned(len(out))
		return writeJSON(c, http.StatusOK, tasksResponse{Tasks: out})
	}
}
