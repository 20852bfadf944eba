package api

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) error {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}

	if d.Registry != nil {
		mw, err := echoprometheus.MiddlewareConfig{
			Subsystem:  "ameno",
			Registerer: d.Registry,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/healthz"
			},
		}.ToMiddleware()
		if err != nil {
			return err
		}
		e.Use(mw)
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: d.Registry}))
	}
	e.GET("/healthz", healthz)

	g := e.Group("/api",
		ObservabilityMiddleware(d.Logger),
		GzipRequestMiddleware(),
		RequireUser(d.Auth),
		Timezone(d.DefaultLocation),
	)

	g.GET("/tasks", listTasks(d))
	g.POST("/tasks", createTask(d))
	g.GET("/tasks/:id", getTask(d))
	g.PATCH("/tasks/:id", patchTask(d))
	g.DELETE("/tasks/:id", deleteTask(d))
	g.POST("/tasks/:id/complete", setCompleted(d, true))
	g.POST("/tasks/:id/reopen", setCompleted(d, false))
	g.POST("/tasks/:id/important", setImportant(d))
	g.POST("/tasks/:id/myday", addToMyDay(d))
	g.POST("/tasks/:id/subtasks", addSubtask(d))
	g.PATCH("/tasks/:id/subtasks/:sid", toggleSubtask(d))
	g.DELETE("/tasks/:id/subtasks/:sid", removeSubtask(d))
	g.GET("/myday/candidates", myDayCandidates(d))

	g.GET("/lists", getLists(d))
	g.POST("/lists", createList(d))
	g.DELETE("/lists/:id", deleteList(d))

	g.GET("/profile", getProfile(d))
	g.PUT("/profile", putProfile(d))
	g.PUT("/profile/avatar", putAvatar(d))

	g.GET("/preferences/background", getBackground(d))
	g.PUT("/preferences/background", putBackground(d))
	g.DELETE("/preferences/background/custom", deleteCustomBackground(d))

	g.GET("/notifications/permission", getPermission(d))
	g.PUT("/notifications/permission", putPermission(d))

	g.GET("/stream", streamTasks(d))
	return nil
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
