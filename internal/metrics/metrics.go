// Package metrics holds the Prometheus collectors shared by the HTTP layer,
// the domain service and the reconciliation poller.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostdomains_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_operations_total",
		Help: "Domain operations by name and result code.",
	}, []string{"operation", "code"})

	certJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_cert_jobs_total",
		Help: "Finished certificate jobs by result code.",
	}, []string{"result"})

	pollerChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_poller_checks_total",
		Help: "Status checks run by the reconciliation poller by outcome.",
	}, []string{"result"})

	processingDomains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostdomains_processing_domains",
		Help: "Domains currently tracked by the reconciliation poller.",
	})

	expiryChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_expiry_checks_total",
		Help: "Certificates examined by the expiry sweeper by outcome.",
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_notifications_total",
		Help: "Email notifications by success status.",
	}, []string{"status"})

	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostdomains_ledger_entries_total",
		Help: "Total audit ledger entries appended.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdomains_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// Middleware returns a Gin middleware that records per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordOperation counts one service operation. code is "OK" on success.
func RecordOperation(operation, code string) {
	operationsTotal.WithLabelValues(operation, code).Inc()
}

// RecordCertJob counts a finished certificate job.
func RecordCertJob(result string) {
	certJobsTotal.WithLabelValues(result).Inc()
}

// RecordPollerCheck counts a poller status check.
func RecordPollerCheck(result string) {
	pollerChecksTotal.WithLabelValues(result).Inc()
}

// SetProcessing sets the size of the poller's processing set.
func SetProcessing(n int) {
	processingDomains.Set(float64(n))
}

// RecordExpiryCheck counts one certificate examined by the expiry sweeper.
func RecordExpiryCheck(result string) {
	expiryChecksTotal.WithLabelValues(result).Inc()
}

// RecordNotification records an email notification attempt.
func RecordNotification(success bool) {
	if success {
		notificationsTotal.WithLabelValues("success").Inc()
	} else {
		notificationsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordLedgerAppend records an audit ledger append.
func RecordLedgerAppend() {
	ledgerEntriesTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
