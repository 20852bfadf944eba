package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ameno-api/domain"
	"ameno-api/reminder"
)

// getProfile returns the stored profile, or the default one for a user who
// never registered.
func getProfile(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid := userID(c)
		p, err := timed(c, func() (domain.Profile, error) {
			return d.Profiles.GetProfile(c.Request().Context(), uid)
		})
		if errors.Is(err, domain.ErrNotFound) {
			p, err = domain.Profile{UserID: uid, Name: domain.DefaultProfileName}, nil
		}
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, p)
	}
}

type profileRequest struct {
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Avatar *domain.Avatar `json:"avatar"`
}

// putProfile registers or updates the caller's profile. The avatar is kept
// unless the body carries one.
func putProfile(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)
		var req profileRequest
		if err := decodeBody(c, &req, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		if req.Avatar != nil {
			if err := req.Avatar.Validate(); err != nil {
				return writeError(c, d.Logger, err)
			}
		}
		p, err := timed(c, func() (domain.Profile, error) {
			cur, err := d.Profiles.GetProfile(ctx, uid)
			if errors.Is(err, domain.ErrNotFound) {
				cur, err = domain.Profile{UserID: uid, CreatedAt: time.Now().UTC()}, nil
			}
			if err != nil {
				return domain.Profile{}, err
			}
			cur.Name = strings.TrimSpace(req.Name)
			if cur.Name == "" {
				cur.Name = domain.DefaultProfileName
			}
			cur.Email = strings.TrimSpace(req.Email)
			if req.Avatar != nil {
				cur.Avatar = *req.Avatar
			}
			return cur, d.Profiles.UpsertProfile(ctx, cur)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, p)
	}
}

func putAvatar(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var a domain.Avatar
		if err := decodeBody(c, &a, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		if err := a.Validate(); err != nil {
			return writeError(c, d.Logger, err)
		}
		_, err := timed(c, func() (struct{}, error) {
			return struct{}{}, d.Profiles.UpdateAvatar(c.Request().Context(), userID(c), a)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, a)
	}
}

type permissionBody struct {
	Status reminder.Permission `json:"status"`
}

func getPermission(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := timed(c, func() (reminder.Permission, error) {
			return d.Permissions.PermissionStatus(c.Request().Context(), userID(c))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, permissionBody{Status: p})
	}
}

// putPermission records the decision the device reported.
func putPermission(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req permissionBody
		if err := decodeBody(c, &req, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		decision, err := reminder.ParsePermission(string(req.Status))
		if err != nil {
			return writeError(c, d.Logger, &domain.ValidationError{Field: "status", Msg: err.Error()})
		}
		p, err := timed(c, func() (reminder.Permission, error) {
			return d.Permissions.RequestPermission(c.Request().Context(), userID(c), decision)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, permissionBody{Status: p})
	}
}
