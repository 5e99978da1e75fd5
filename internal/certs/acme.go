package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
)

const accountKeyFile = "acme-account.key"

// HTTP01Store holds key authorizations for pending http-01 challenges so the
// HTTP server can answer /.well-known/acme-challenge/<token>.
type HTTP01Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewHTTP01Store creates an empty store.
func NewHTTP01Store() *HTTP01Store {
	return &HTTP01Store{tokens: make(map[string]string)}
}

// Put registers the key authorization for token.
func (s *HTTP01Store) Put(token, keyAuth string) {
	s.mu.Lock()
	s.tokens[token] = keyAuth
	s.mu.Unlock()
}

// Get returns the key authorization for token.
func (s *HTTP01Store) Get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tokens[token]
	return v, ok
}

// Delete forgets token.
func (s *HTTP01Store) Delete(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// ACMEConfig configures an ACMEIssuer.
type ACMEConfig struct {
	DirectoryURL string
	Email        string
}

// ACMEIssuer obtains certificates from an ACME authority using http-01.
type ACMEIssuer struct {
	client     *acme.Client
	email      string
	challenges *HTTP01Store
	logger     *zap.Logger

	regMu      sync.Mutex
	registered bool
}

// NewACMEIssuer creates an ACMEIssuer signing requests with accountKey.
func NewACMEIssuer(cfg ACMEConfig, accountKey crypto.Signer, challenges *HTTP01Store, logger *zap.Logger) *ACMEIssuer {
	dir := cfg.DirectoryURL
	if dir == "" {
		dir = acme.LetsEncryptURL
	}
	return &ACMEIssuer{
		client:     &acme.Client{Key: accountKey, DirectoryURL: dir, UserAgent: "hostdomains"},
		email:      cfg.Email,
		challenges: challenges,
		logger:     logger,
	}
}

// LoadOrCreateAccountKey reads the ACME account key from dir, generating and
// saving one on first use.
func LoadOrCreateAccountKey(dir string) (crypto.Signer, error) {
	path := filepath.Join(dir, accountKeyFile)
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, errors.New("failed to decode ACME account key PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ACME account key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir %q: %w", dir, err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ACME account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal ACME account key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, fmt.Errorf("write ACME account key: %w", err)
	}
	return key, nil
}

// register creates the ACME account on first use. A failed attempt is not
// remembered; the next job tries again.
func (a *ACMEIssuer) register(ctx context.Context) error {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	if a.registered {
		return nil
	}
	acct := &acme.Account{}
	if a.email != "" {
		acct.Contact = []string{"mailto:" + a.email}
	}
	if _, err := a.client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("register ACME account: %w", err)
	}
	a.registered = true
	return nil
}

// Issue implements Issuer.
func (a *ACMEIssuer) Issue(ctx context.Context, names []string) (*Certificate, error) {
	if err := a.register(ctx); err != nil {
		return nil, classifyACME(err)
	}

	order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(names...))
	if err != nil {
		return nil, classifyACME(fmt.Errorf("authorize order: %w", err))
	}

	for _, u := range order.AuthzURLs {
		if err := a.authorize(ctx, u); err != nil {
			return nil, classifyACME(err)
		}
	}

	if _, err := a.client.WaitOrder(ctx, order.URI); err != nil {
		return nil, classifyACME(fmt.Errorf("wait order: %w", err))
	}

	key, keyPEM, err := newLeafKey()
	if err != nil {
		return nil, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}

	chain, _, err := a.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, classifyACME(fmt.Errorf("finalize order: %w", err))
	}
	if len(chain) == 0 {
		return nil, errors.New("authority returned an empty chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	var b strings.Builder
	for _, der := range chain {
		b.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	}

	a.logger.Info("certificate issued",
		zap.Strings("names", names),
		zap.String("serial", leaf.SerialNumber.Text(16)),
		zap.Time("not_after", leaf.NotAfter),
	)
	return &Certificate{
		CertPEM:  b.String(),
		KeyPEM:   string(keyPEM),
		Serial:   leaf.SerialNumber.Text(16),
		NotAfter: leaf.NotAfter,
	}, nil
}

func (a *ACMEIssuer) authorize(ctx context.Context, authzURL string) error {
	z, err := a.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if z.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range z.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return &IssueError{Kind: ErrValidationFailed, Err: fmt.Errorf("no http-01 challenge offered for %s", z.Identifier.Value)}
	}

	keyAuth, err := a.client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("compute key authorization: %w", err)
	}
	a.challenges.Put(chal.Token, keyAuth)
	defer a.challenges.Delete(chal.Token)

	if _, err := a.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := a.client.WaitAuthorization(ctx, z.URI); err != nil {
		return fmt.Errorf("wait authorization for %s: %w", z.Identifier.Value, err)
	}
	return nil
}

// classifyACME maps ACME client errors onto issuance failure kinds. Context
// errors pass through untouched so the caller can tell a deadline apart.
func classifyACME(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var ie *IssueError
	if errors.As(err, &ie) {
		return err
	}
	var acmeErr *acme.Error
	if errors.As(err, &acmeErr) {
		if d, ok := acme.RateLimit(acmeErr); ok || acmeErr.StatusCode == 429 {
			return &IssueError{Kind: ErrRateLimited, RetryAfter: d, Err: err}
		}
	}
	var authzErr *acme.AuthorizationError
	var orderErr *acme.OrderError
	if errors.As(err, &authzErr) || errors.As(err, &orderErr) {
		return &IssueError{Kind: ErrValidationFailed, Err: err}
	}
	return err
}
