package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type successBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Meta    interface{} `json:"meta,omitempty"`
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data, meta interface{}) error {
	return c.JSON(http.StatusOK, successBody{Success: true, Data: data, Meta: meta})
}

func created(c echo.Context, data, meta interface{}) error {
	return c.JSON(http.StatusCreated, successBody{Success: true, Data: data, Meta: meta})
}

func fail(c echo.Context, code int, msg string, details interface{}) error {
	return c.JSON(code, errorBody{Error: msg, Details: details})
}

// errorHandler renders every unhandled error in the standard envelope.
// Internal error text is only exposed outside production.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "Internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, isString := he.Message.(string); isString {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
		if code == http.StatusNotFound && msg == http.StatusText(code) {
			msg = "Not found"
		}
	} else if !s.cfg.IsProduction() {
		msg = err.Error()
	}

	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Request().URL.Path).Error("unhandled error")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = fail(c, code, msg, nil)
	}
	if err != nil {
		s.log.WithError(err).Warn("failed to write error response")
	}
}
