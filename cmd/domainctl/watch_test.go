package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sslDomain     = uuid.MustParse("6f1c8c52-3f0e-4a4e-9a0b-0c7d2b1f0a01")
	pendingDomain = uuid.MustParse("6f1c8c52-3f0e-4a4e-9a0b-0c7d2b1f0a02")
	liveDomain    = uuid.MustParse("6f1c8c52-3f0e-4a4e-9a0b-0c7d2b1f0a03")
)

func stubServer(t *testing.T) *client.Client {
	t.Helper()
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/domains", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []client.Domain{
			{ID: sslDomain.String(), FQDN: "shop.example.com", Bindings: []client.Binding{{Purpose: client.PurposeLanding, Status: client.StatusSSLPending}}},
			{ID: pendingDomain.String(), FQDN: "go.example.com", Bindings: []client.Binding{{Purpose: client.PurposeURLShortener, Status: client.StatusPending}}},
			{ID: liveDomain.String(), FQDN: "www.example.com", Bindings: []client.Binding{{Purpose: client.PurposeLanding, Status: client.StatusActive}}},
		})
	})
	mux.HandleFunc("POST /api/v1/domains/{id}/check-status", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, client.CheckResult{
			Status:     "updated",
			Message:    "certificate installed",
			Domain:     client.Domain{ID: r.PathValue("id"), FQDN: "shop.example.com", SSLStatus: "active"},
			ObservedAt: observed,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, client.WithBearerToken("test-token"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func TestClientTarget_Processing(t *testing.T) {
	c := stubServer(t)

	all, err := clientTarget{c: c}.Processing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{sslDomain: true, pendingDomain: false}, all)

	only, err := clientTarget{c: c, only: map[uuid.UUID]bool{pendingDomain: true}}.Processing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{pendingDomain: false}, only)
}

func TestClientTarget_Check(t *testing.T) {
	c := stubServer(t)

	res, err := clientTarget{c: c}.Check(context.Background(), sslDomain)
	require.NoError(t, err)
	assert.Equal(t, sslDomain, res.DomainID)
	assert.True(t, res.Updated)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), res.ObservedAt)

	cr, ok := res.Payload.(*client.CheckResult)
	require.True(t, ok)
	assert.Equal(t, "certificate installed", cr.Message)
}
