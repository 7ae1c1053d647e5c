package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeBalanceNotEnough      = 1001
	CodeFreeSpinsNotEnough    = 1002
	CodeWithdrawalNotEligible = 1003
	CodeConcurrencyConflict   = 1004
	CodeBalanceNotFound       = 1005
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
