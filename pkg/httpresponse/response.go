// Package httpresponse is the daemon's standard gin response envelope,
// adapted from this repository's pkg/utils/response package onto
// pkg/errors and pkg/logger.
package httpresponse

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anika-dewari/safebox/pkg/errors"
	"github.com/anika-dewari/safebox/pkg/logger"
)

// Response is the standard API response envelope.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
}

// Success sends a 200 response wrapping data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: errors.Success, Message: "success", Data: data})
}

// Error sends an error response, extracting the HTTP status and message
// from err's error code.
func Error(c *gin.Context, err error) {
	custom := errors.GetError(err)
	logger.Error(c.Request.Context(), "request error",
		zap.Int("code", int(custom.Code)),
		zap.String("message", custom.Error()),
		zap.Any("details", custom.Details),
	)
	c.JSON(custom.Code.HTTPStatus(), Response{
		Code:    custom.Code,
		Message: custom.Error(),
		Details: custom.Details,
	})
}

// ErrorWithCode sends an error response with an explicit code, for
// handler-local validation failures that never construct a *errors.Error.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	c.JSON(code.HTTPStatus(), Response{Code: code, Message: message})
}

// AbortWithError sends an error response and stops the middleware chain.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// AbortWithErrorCode sends an error response with an explicit code and
// stops the middleware chain.
func AbortWithErrorCode(c *gin.Context, code errors.ErrorCode, message string) {
	ErrorWithCode(c, code, message)
	c.Abort()
}
