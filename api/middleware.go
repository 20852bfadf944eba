package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ameno-api/reminder"
)

const (
	userContextKey = "ameno.user"
	streamPath     = "/api/stream"
	timezoneHeader = "X-Timezone"
)

// GzipRequestMiddleware inflates gzip-encoded request bodies. A body that is
// not valid gzip is rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsEncoding(req.Header.Get(echo.HeaderContentEncoding), "gzip") {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid gzip body"})
			}
			req.Body = &inflatedBody{gr: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsEncoding(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), enc) {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	gr  *gzip.Reader
	raw io.ReadCloser
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.gr.Read(p) }

func (b *inflatedBody) Close() error {
	err := b.gr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

// RequireUser authenticates the caller and stores the user id on the
// context. Only the stream route accepts the ?token= fallback.
func RequireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			header := authorizationValue(c.Request(), c.Path() == streamPath)
			userID, err := auth.UserIDFromAuthHeader(header)
			m := metricsFrom(c)
			m.ObserveAuth(time.Since(start))
			if err != nil {
				m.SetErrorStage("auth")
				return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
			}
			c.Set(userContextKey, userID)
			return next(c)
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userContextKey).(string)
	return id
}

// Timezone attaches the caller's location to the request context so
// reminder times are resolved on the user's wall clock. Unknown zone names
// fall back to def.
func Timezone(def *time.Location) echo.MiddlewareFunc {
	if def == nil {
		def = time.UTC
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			loc := def
			if name := strings.TrimSpace(c.Request().Header.Get(timezoneHeader)); name != "" {
				if l, err := time.LoadLocation(name); err == nil {
					loc = l
				}
			}
			req := c.Request()
			c.SetRequest(req.WithContext(reminder.WithLocation(req.Context(), loc)))
			return next(c)
		}
	}
}
