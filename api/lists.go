package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ameno-api/domain"
	"ameno-api/prefs"
)

type listsResponse struct {
	Lists []domain.List `json:"lists"`
}

// getLists returns the built-in lists followed by the custom ones, each with
// its number of open tasks.
func getLists(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)
		lists, err := timed(c, func() ([]domain.List, error) {
			custom, err := d.Prefs.CustomLists(ctx, uid)
			if err != nil {
				return nil, err
			}
			lists := append(domain.BuiltinLists(), custom...)
			ids := make([]string, len(lists))
			for i, l := range lists {
				ids[i] = l.ID
			}
			counts, err := d.Tasks.Counts(ctx, uid, ids...)
			if err != nil {
				return nil, err
			}
			for i := range lists {
				lists[i].Count = counts[lists[i].ID]
			}
			return lists, nil
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		metricsFrom(c).SetItemsReturned(len(lists))
		return writeJSON(c, http.StatusOK, listsResponse{Lists: lists})
	}
}

type createListRequest struct {
	Title string `json:"title"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

func createList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createListRequest
		if err := decodeBody(c, &req, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		l, err := timed(c, func() (domain.List, error) {
			return d.Prefs.AddCustomList(c.Request().Context(), userID(c), req.Title, req.Icon, req.Color)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusCreated, l)
	}
}

// deleteList removes a custom list. Its tasks keep their list id.
func deleteList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if domain.IsBuiltinList(id) {
			return writeError(c, d.Logger, &domain.ValidationError{Field: "id", Msg: "built-in lists cannot be deleted"})
		}
		_, err := timed(c, func() (struct{}, error) {
			return struct{}{}, d.Prefs.DeleteCustomList(c.Request().Context(), userID(c), id)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type backgroundResponse struct {
	prefs.Background
	Presets []prefs.Preset `json:"presets"`
}

func getBackground(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		bg, err := timed(c, func() (prefs.Background, error) {
			return d.Prefs.Background(c.Request().Context(), userID(c))
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, backgroundResponse{Background: bg, Presets: prefs.Presets()})
	}
}

type backgroundRequest struct {
	URI    string `json:"uri"`
	Custom bool   `json:"custom"`
}

func putBackground(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req backgroundRequest
		if err := decodeBody(c, &req, true); err != nil {
			return writeError(c, d.Logger, err)
		}
		bg, err := timed(c, func() (prefs.Background, error) {
			return d.Prefs.SetBackground(c.Request().Context(), userID(c), req.URI, req.Custom)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, backgroundResponse{Background: bg, Presets: prefs.Presets()})
	}
}

func deleteCustomBackground(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		uri := c.QueryParam("uri")
		if uri == "" {
			return writeError(c, d.Logger, &domain.ValidationError{Field: "uri", Msg: "is required"})
		}
		bg, err := timed(c, func() (prefs.Background, error) {
			return d.Prefs.DeleteCustomBackground(c.Request().Context(), userID(c), uri)
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return writeJSON(c, http.StatusOK, backgroundResponse{Background: bg, Presets: prefs.Presets()})
	}
}
