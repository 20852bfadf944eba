package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken returns the compact JWT carried by an Authorization value.
func bearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", errMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.HasPrefix(raw, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := raw[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authorizationValue reads the Authorization header. When allowQuery is set
// a ?token= parameter stands in for a missing header, since browsers cannot
// set headers on an EventSource.
func authorizationValue(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return bearerPrefix + token
		}
	}
	return ""
}
