// Package handler exposes the domain lifecycle over HTTP. Every response,
// success or failure, uses the Envelope shape.
package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

// Envelope is the body of every control-plane response.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Message string     `json:"message"`
	Code    model.Code `json:"code,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code model.Code) int {
	switch code {
	case model.CodeInvalidDomain, model.CodeInvalidRequest:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeDomainNotFound:
		return http.StatusNotFound
	case model.CodeDomainAlreadyExists, model.CodeSSLProcessBusy, model.CodeInvalidRetryState,
		model.CodeRequestInFlight:
		return http.StatusConflict
	case model.CodeDNSVerificationFailed, model.CodeSSLValidationFailed, model.CodeDomainNotReady,
		model.CodeSSLExpired:
		return http.StatusUnprocessableEntity
	case model.CodeSSLRateLimit, model.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case model.CodeDNSQueryError, model.CodeVPSConnectionFailed:
		return http.StatusBadGateway
	case model.CodeSSLTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, status int, data any, message string) {
	c.JSON(status, Envelope{Success: true, Data: data, Message: message})
}

// fail writes err as an error envelope. Uncoded errors become INTERNAL with
// a generic message.
func fail(c *gin.Context, err error) {
	e := model.AsError(err)
	msg := e.Message
	if e.Code == model.CodeInternal {
		msg = "internal error"
	}
	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	var data any
	if e.Record != nil {
		data = gin.H{"record": e.Record}
	}
	c.AbortWithStatusJSON(StatusFor(e.Code), Envelope{Success: false, Data: data, Message: msg, Code: e.Code})
}

func failCode(c *gin.Context, code model.Code, message string) {
	fail(c, model.Errorf(code, "%s", message))
}
