package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hostdomains/internal/certs"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /healthz. Each named pinger is pinged; any failure makes
// the response 503.
func Health(pingers map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(pingers))
		healthy := true
		for name, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, Envelope{Success: false, Data: checks, Message: "unhealthy", Code: model.CodeInternal})
			return
		}
		respond(c, http.StatusOK, checks, "ok")
	}
}

// ACMEChallenge serves http-01 key authorizations at
// /.well-known/acme-challenge/:token.
func ACMEChallenge(store *certs.HTTP01Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyAuth, ok := store.Get(c.Param("token"))
		if !ok {
			c.String(http.StatusNotFound, "not found")
			return
		}
		c.String(http.StatusOK, keyAuth)
	}
}
