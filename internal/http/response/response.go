package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/labstream/workplan-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondResult maps a service outcome onto the wire: OK results carry
// their notice with 200, failures carry their error with 422. The message
// strings are rendered to the user verbatim.
func RespondResult(c *gin.Context, res services.Result) {
	if res.OK {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusUnprocessableEntity, res)
}
