package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
)

func TestLocalCA_IssueAndReload(t *testing.T) {
	dir := t.TempDir()
	ca := NewLocalCA(dir, 24*time.Hour)
	if err := ca.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	cert, err := ca.Issue(context.Background(), []string{"shop.example.com", "www.shop.example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cert.Serial == "" {
		t.Error("Serial must not be empty")
	}
	if time.Until(cert.NotAfter) > 25*time.Hour {
		t.Errorf("NotAfter too far out: %s", cert.NotAfter)
	}
	if _, err := cert.TLSCertificate(); err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}

	// A second instance must load the same root and verify the leaf.
	reloaded := NewLocalCA(dir, 0)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	block, _ := pem.Decode([]byte(cert.CertPEM))
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "www.shop.example.com", Roots: reloaded.CertPool()}); err != nil {
		t.Fatalf("leaf does not verify against reloaded root: %v", err)
	}
}

func TestLocalCA_NotLoaded(t *testing.T) {
	ca := NewLocalCA(t.TempDir(), 0)
	if _, err := ca.Issue(context.Background(), []string{"shop.example.com"}); err == nil {
		t.Fatal("expected error from unloaded CA")
	}
}

func TestHTTPDeployer_SignsAndClassifies(t *testing.T) {
	var gotSig, gotPath string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotPath = r.URL.Path
		if gotSig != signPayload(body, "s3cret") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	d := NewHTTPDeployer(srv.URL, "s3cret", zap.NewNop())
	cert := &Certificate{CertPEM: "c", KeyPEM: "k", Serial: "01"}
	if err := d.Install(context.Background(), "shop.example.com", cert); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if gotPath != "/certificates/shop.example.com" {
		t.Errorf("path: got %q", gotPath)
	}

	status = http.StatusBadGateway
	err := d.Install(context.Background(), "shop.example.com", cert)
	if !errors.Is(err, ErrDeployUnreachable) {
		t.Fatalf("expected ErrDeployUnreachable, got %v", err)
	}

	status = http.StatusNotFound
	if err := d.Remove(context.Background(), "shop.example.com"); err != nil {
		t.Fatalf("Remove of missing certificate: %v", err)
	}
}

func TestHTTPDeployer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewHTTPDeployer(url, "", zap.NewNop())
	err := d.Install(context.Background(), "shop.example.com", &Certificate{})
	if !errors.Is(err, ErrDeployUnreachable) {
		t.Fatalf("expected ErrDeployUnreachable, got %v", err)
	}
}

func TestClassifyACME(t *testing.T) {
	rate := &acme.Error{StatusCode: http.StatusTooManyRequests, ProblemType: "urn:ietf:params:acme:error:rateLimited"}
	if err := classifyACME(fmt.Errorf("authorize order: %w", rate)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("429: got %v", err)
	}

	authz := &acme.AuthorizationError{URI: "https://ca/authz/1", Identifier: "shop.example.com"}
	if err := classifyACME(authz); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("authorization error: got %v", err)
	}

	if err := classifyACME(context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("deadline should pass through, got %v", err)
	}

	other := errors.New("boom")
	if err := classifyACME(other); err != other {
		t.Errorf("unclassified error should pass through, got %v", err)
	}
}

func TestHTTP01Store(t *testing.T) {
	s := NewHTTP01Store()
	s.Put("tok", "tok.thumb")
	if v, ok := s.Get("tok"); !ok || v != "tok.thumb" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	s.Delete("tok")
	if _, ok := s.Get("tok"); ok {
		t.Fatal("token should be gone")
	}
}

// acmeDirectory serves just enough of an ACME server for account
// registration. The first failNewAccount registrations are refused.
func acmeDirectory(t *testing.T, failNewAccount int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var attempts atomic.Int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"newNonce":%q,"newAccount":%q,"newOrder":%q,"revokeCert":%q,"keyChange":%q}`,
			srv.URL+"/nonce", srv.URL+"/account", srv.URL+"/order", srv.URL+"/revoke", srv.URL+"/key-change")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= failNewAccount {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"type":"urn:ietf:params:acme:error:unauthorized","detail":"account creation paused"}`)
			return
		}
		w.Header().Set("Location", srv.URL+"/acct/1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"status":"valid"}`)
	})
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", time.Now().UnixNano()))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts
}

func TestACMEIssuer_RegisterRetriesAfterFailure(t *testing.T) {
	srv, attempts := acmeDirectory(t, 1)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	a := NewACMEIssuer(ACMEConfig{DirectoryURL: srv.URL + "/directory", Email: "ops@example.com"}, key, NewHTTP01Store(), zap.NewNop())
	ctx := context.Background()

	if err := a.register(ctx); err == nil {
		t.Fatal("first registration should fail")
	}
	if err := a.register(ctx); err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if err := a.register(ctx); err != nil {
		t.Fatalf("third registration: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("newAccount requests = %d, want 2", got)
	}
}
