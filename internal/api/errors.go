package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/prompt"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeFault maps an error kind to a status. Unknown prompt tasks are the
// caller's problem and never affect the model.
func writeFault(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, prompt.ErrTaskNotFound):
		return writeNotFound(c, err.Error())
	case errors.Is(err, fault.ErrUsage):
		return writeError(c, http.StatusConflict, "usage_error", err.Error(), "")
	case errors.Is(err, fault.ErrConfig):
		return writeError(c, http.StatusBadRequest, "config_error", err.Error(), "")
	case errors.Is(err, fault.ErrResource):
		return writeError(c, http.StatusServiceUnavailable, "resource_error", err.Error(), "")
	case errors.Is(err, fault.ErrDistributed):
		return writeError(c, http.StatusServiceUnavailable, "distributed_error", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}
