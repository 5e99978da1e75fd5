package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/hostdomains/internal/inflight"
)

// Error codes returned by the control plane. CodeRequestInFlight is produced
// by the client itself.
const (
	CodeDNSVerificationFailed = "DNS_VERIFICATION_FAILED"
	CodeDNSQueryError         = "DNS_QUERY_ERROR"
	CodeDomainAlreadyExists   = "DOMAIN_ALREADY_EXISTS"
	CodeInvalidDomain         = "INVALID_DOMAIN"
	CodeSSLGenerationFailed   = "SSL_GENERATION_FAILED"
	CodeSSLTimeout            = "SSL_TIMEOUT"
	CodeSSLRateLimit          = "SSL_RATE_LIMIT"
	CodeSSLValidationFailed   = "SSL_VALIDATION_FAILED"
	CodeInvalidRetryState     = "INVALID_RETRY_STATE"
	CodeVPSConnectionFailed   = "VPS_CONNECTION_FAILED"
	CodeSSLProcessBusy        = "SSL_PROCESS_BUSY"
	CodeDomainNotFound        = "DOMAIN_NOT_FOUND"
	CodeDomainNotReady        = "DOMAIN_NOT_READY"
	CodeSSLExpired            = "SSL_EXPIRED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternal              = "INTERNAL"
	CodeRequestInFlight       = "REQUEST_IN_FLIGHT"
	CodeTooManyRequests       = "TOO_MANY_REQUESTS"
)

const defaultCooldown = 3 * time.Second

// Error is a failed call. Code is stable; Message is for humans.
type Error struct {
	Status     int // HTTP status; 0 for client-side errors
	Code       string
	Message    string
	RetryAfter time.Duration // set from the Retry-After header
	Record     *RecordRef    // the failing record of a DNS verification error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Client talks to the control plane on behalf of one owner.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cooldown    time.Duration
	guard       *inflight.MemoryGuard
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an owner token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCooldown sets how long a domain stays blocked for Retry and CheckStatus
// after a call finished. Zero disables the cool-down.
func WithCooldown(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("cooldown must not be negative")
		}
		c.cooldown = d
		return nil
	}
}

// WithCACertFile trusts the PEM-encoded CA at path, e.g. the local CA root of
// a development server.
func WithCACertFile(path string) Option {
	return func(c *Client) error {
		caPEM, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("failed to parse CA certificate PEM")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
			Timeout:   30 * time.Second,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 30 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the control plane at base.
//
//	c, err := client.New("https://localhost:8080",
//	    client.WithBearerToken(token),
//	    client.WithCooldown(5*time.Second),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cooldown:   defaultCooldown,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	c.guard = inflight.NewMemoryGuard(inflight.Options{Cooldown: c.cooldown})
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Close releases every in-flight and cool-down marker. Calls already sent are
// not cancelled; server-side jobs keep running.
func (c *Client) Close() error {
	return c.guard.ReleaseAll(context.Background())
}

// Add registers fqdn for purpose and returns the DNS records to publish.
func (c *Client) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	var out AddResult
	if _, err := c.call(ctx, http.MethodPost, "/api/v1/domains", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every domain of the owner.
func (c *Client) List(ctx context.Context) ([]Domain, error) {
	var out []Domain
	if _, err := c.call(ctx, http.MethodGet, "/api/v1/domains", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one domain.
func (c *Client) Get(ctx context.Context, id string) (*Domain, error) {
	var out Domain
	if _, err := c.call(ctx, http.MethodGet, domainPath(id, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks the published DNS records. A failure names the missing or
// mismatched record in the error message.
func (c *Client) Verify(ctx context.Context, id string) (*Domain, error) {
	var out Domain
	if _, err := c.call(ctx, http.MethodPost, domainPath(id, "/verify"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry starts certificate issuance. The call returns once the job was
// accepted; observe the outcome with CheckStatus.
func (c *Client) Retry(ctx context.Context, id string) (*Domain, error) {
	release, err := c.acquire(ctx, "retry:"+id)
	if err != nil {
		return nil, err
	}
	defer release()

	var out Domain
	if _, err := c.call(ctx, http.MethodPost, domainPath(id, "/retry"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckStatus asks the server to re-evaluate the domain.
func (c *Client) CheckStatus(ctx context.Context, id string) (*CheckResult, error) {
	release, err := c.acquire(ctx, "check:"+id)
	if err != nil {
		return nil, err
	}
	defer release()

	var out CheckResult
	if _, err := c.call(ctx, http.MethodPost, domainPath(id, "/check-status"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Available lists ready domains that serve another purpose and could be
// activated for purpose.
func (c *Client) Available(ctx context.Context, purpose string) ([]Domain, error) {
	var out []Domain
	q := url.Values{"purpose": {purpose}}
	if _, err := c.call(ctx, http.MethodGet, "/api/v1/domains/available", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate attaches a ready domain to purpose. targetID may be empty.
func (c *Client) Activate(ctx context.Context, id, purpose, targetID string) (*Binding, error) {
	body := map[string]string{"purpose": purpose}
	if targetID != "" {
		body["target_id"] = targetID
	}
	var out Binding
	if _, err := c.call(ctx, http.MethodPost, domainPath(id, "/activate"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Impact reports what removing the domain, or only its purpose binding when
// purpose is non-empty, would affect.
func (c *Client) Impact(ctx context.Context, id, purpose string) (*Impact, error) {
	var q url.Values
	if purpose != "" {
		q = url.Values{"purpose": {purpose}}
	}
	var out Impact
	if _, err := c.call(ctx, http.MethodGet, domainPath(id, "/impact"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes the domain or deactivates its purpose binding. Without force,
// a removal affecting dependents returns RequiresConfirmation and changes
// nothing.
func (c *Client) Remove(ctx context.Context, id, purpose string, force bool) (*RemoveResult, error) {
	q := url.Values{}
	if purpose != "" {
		q.Set("purpose", purpose)
	}
	if force {
		q.Set("force", "true")
	}
	var out RemoveResult
	if _, err := c.call(ctx, http.MethodDelete, domainPath(id, ""), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the audit trail of a domain, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	if _, err := c.call(ctx, http.MethodGet, domainPath(id, "/history"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessingIDs lists the owner's domains that still wait on an asynchronous
// step, with whether each needs an explicit status check.
func (c *Client) ProcessingIDs(ctx context.Context) (map[string]bool, error) {
	domains, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, d := range domains {
		for _, b := range d.Bindings {
			if b.Processing() {
				out[d.ID] = out[d.ID] || b.NeedsStatusCheck()
			}
		}
	}
	return out, nil
}

// acquire takes the per-domain marker for key. The returned release always
// starts the cool-down, whatever the call's outcome.
func (c *Client) acquire(ctx context.Context, key string) (func(), error) {
	lease, err := c.guard.Acquire(ctx, key)
	if err != nil {
		if inflight.IsBusy(err) {
			return nil, &Error{Code: CodeRequestInFlight, Message: "a request for this domain is already in flight or cooling down"}
		}
		return nil, err
	}
	return func() { _ = lease.Release(context.Background()) }, nil
}

func domainPath(id, suffix string) string {
	return "/api/v1/domains/" + url.PathEscape(id) + suffix
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// call sends one request and decodes the envelope's data into out. It returns
// the envelope message.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, in, out any) (string, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return "", fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	status, header, raw, err := c.do(req)
	if err != nil {
		return "", err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &Error{Status: status, Code: CodeInternal, Message: fmt.Sprintf("unexpected response: %s", truncate(raw))}
	}
	if !env.Success || status >= 300 {
		e := &Error{Status: status, Code: env.Code, Message: env.Message}
		if e.Code == "" {
			e.Code = CodeInternal
		}
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		var data struct {
			Record *RecordRef `json:"record"`
		}
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
			e.Record = data.Record
		}
		return "", e
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("decode response data: %w", err)
		}
	}
	return env.Message, nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
