package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse is the uniform envelope for REST error responses.
// success: whether the request succeeded
// data: payload, possibly empty
// message: human-readable summary
// code: mirrors the HTTP status for client-side dispatch
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

func respond(c *gin.Context, httpStatus int, success bool, message string, data interface{}) {
	if message == "" {
		if success {
			message = "ok"
		} else {
			message = http.StatusText(httpStatus)
		}
	}

	resp := APIResponse{
		Success: success,
		Message: message,
		Code:    httpStatus,
	}
	if data == nil {
		resp.Data = gin.H{}
	} else {
		resp.Data = data
	}

	c.JSON(httpStatus, resp)
}

func respondError(c *gin.Context, httpStatus int, message string) {
	respond(c, httpStatus, false, message, nil)
}
