package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"ameno-api/domain"
	"ameno-api/reminder"
)

const maxBodySize = 256 * 1024

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

var errInvalidBody = errors.New("invalid body")

// decodeBody reads a JSON request body into v. Strict decoding rejects
// unknown fields.
func decodeBody(c echo.Context, v any, strict bool) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

// writeError maps a workflow error onto its HTTP status.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	m := metricsFrom(c)
	var ve *domain.ValidationError
	var pe *domain.PersistenceError
	switch {
	case errors.Is(err, errInvalidBody):
		m.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.As(err, &ve):
		m.SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		m.SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrConflict):
		m.SetErrorStage("conflict")
		return c.JSON(http.StatusConflict, errorBody{Error: "already exists"})
	case errors.As(err, &pe):
		m.SetErrorStage("persistence")
		logger.WithError(err).WithField("op", pe.Op).Error("task persistence failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to save task"})
	default:
		m.SetErrorStage("internal")
		logger.WithError(err).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// reminderWarning names why a saved task has no armed reminder.
func reminderWarning(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, reminder.ErrPermissionDenied) {
		return "permission_denied"
	}
	return "scheduling_failed"
}
