package httputil

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// RespondWithSuccess sends a 200 response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response. AppErrors carry their own status
// and message; anything else is reported with status and its own text, or as
// an internal error when status is 0.
func RespondWithError(c *gin.Context, status int, err error) {
	body := &Error{Code: status}

	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		if status == 0 {
			body.Code = appErr.StatusCode()
		}
		body.Kind = appErr.Kind.String()
		body.Field = appErr.Field
		body.Message = appErr.Message
	case status == 0 || status >= http.StatusInternalServerError:
		body.Code = http.StatusInternalServerError
		body.Message = "Internal server error"
	default:
		body.Message = err.Error()
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(body.Code, Response{
		Success: false,
		Error:   body,
	})
}
