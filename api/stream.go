package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"ameno-api/domain"
	"ameno-api/notify"
)

const defaultHeartbeat = 25 * time.Second

// streamTasks pushes a `tasks` event with the list snapshot after every
// change and a `reminder` event for each reminder that comes due.
func streamTasks(d Deps) echo.HandlerFunc {
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)

		sub, err := d.Feed.Subscribe(ctx, uid, c.QueryParam("list"))
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		defer sub.Close()

		var deliveries <-chan notify.Delivery
		if d.Deliveries != nil {
			ds, err := d.Deliveries.Deliveries(ctx, uid)
			if err != nil {
				d.Logger.WithError(err).WithField("user", uid).Warn("reminder deliveries unavailable")
			} else {
				defer ds.Close()
				deliveries = ds.C
			}
		}

		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "stream unsupported"})
		}
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case snapshot, ok := <-sub.C:
				if !ok {
					return nil
				}
				if err := writeEvent(res, "tasks", tasksResponse{Tasks: nonNil(snapshot)}); err != nil {
					return err
				}
			case dv, ok := <-deliveries:
				if !ok {
					deliveries = nil
					continue
				}
				if err := writeEvent(res, "reminder", dv); err != nil {
					return err
				}
			case <-ticker.C:
				if _, err := res.Write([]byte(": ping\n\n")); err != nil {
					return err
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+len(name)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, name...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	_, err = w.Write(buf)
	return err
}

func nonNil(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return tasks
}
