package certs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC of the request body sent to the host agent.
const SignatureHeader = "X-Hostdomains-Signature"

// HTTPDeployer talks to the agent on the serving host that installs
// certificates into the reverse proxy.
type HTTPDeployer struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPDeployer creates a deployer for the agent at baseURL. Requests are
// signed with secret when it is non-empty.
func NewHTTPDeployer(baseURL, secret string, logger *zap.Logger) *HTTPDeployer {
	return &HTTPDeployer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type installRequest struct {
	FQDN    string    `json:"fqdn"`
	CertPEM string    `json:"cert_pem"`
	KeyPEM  string    `json:"key_pem"`
	Expires time.Time `json:"expires_at"`
}

// Install implements Deployer.
func (d *HTTPDeployer) Install(ctx context.Context, fqdn string, cert *Certificate) error {
	body, err := json.Marshal(installRequest{FQDN: fqdn, CertPEM: cert.CertPEM, KeyPEM: cert.KeyPEM, Expires: cert.NotAfter})
	if err != nil {
		return fmt.Errorf("marshal install request: %w", err)
	}
	if err := d.do(ctx, http.MethodPut, "/certificates/"+url.PathEscape(fqdn), body); err != nil {
		return err
	}
	d.logger.Info("certificate installed", zap.String("domain", fqdn), zap.String("serial", cert.Serial))
	return nil
}

// Remove implements Deployer. A missing certificate is not an error.
func (d *HTTPDeployer) Remove(ctx context.Context, fqdn string) error {
	return d.do(ctx, http.MethodDelete, "/certificates/"+url.PathEscape(fqdn), nil)
}

func (d *HTTPDeployer) do(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.secret != "" {
		req.Header.Set(SignatureHeader, signPayload(body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &IssueError{Kind: ErrDeployUnreachable, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &IssueError{Kind: ErrDeployUnreachable, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	default:
		return fmt.Errorf("host agent rejected %s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
