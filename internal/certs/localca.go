package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"

	defaultLeafValidity = 90 * 24 * time.Hour
)

// LocalCA issues certificates from a self-managed root. It stands in for a
// public authority in development and tests.
type LocalCA struct {
	dir      string
	validity time.Duration

	mu   sync.RWMutex
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewLocalCA returns a LocalCA storing its root in dir. Leaves are valid for
// validity (90 days when zero).
func NewLocalCA(dir string, validity time.Duration) *LocalCA {
	if validity <= 0 {
		validity = defaultLeafValidity
	}
	return &LocalCA{dir: dir, validity: validity}
}

// LoadOrCreate loads the root from disk if it exists; creates a new one otherwise.
func (c *LocalCA) LoadOrCreate() error {
	if err := c.Load(); err == nil {
		return nil
	}
	return c.Create()
}

// Load reads an existing root cert and key from the configured directory.
func (c *LocalCA) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(c.dir, caCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(c.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return errors.New("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return errors.New("failed to decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	c.mu.Lock()
	c.cert, c.key = cert, key
	c.mu.Unlock()
	return nil
}

// Create generates a new root, saves it to disk, and activates it.
func (c *LocalCA) Create() error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create CA dir %q: %w", c.dir, err)
	}
	key, keyPEM, err := newLeafKey()
	if err != nil {
		return err
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "hostdomains development CA",
			Organization: []string{"hostdomains"},
		},
		NotBefore:             time.Now().UTC().Add(-time.Minute),
		NotAfter:              time.Now().UTC().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(c.dir, caCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	c.mu.Lock()
	c.cert, c.key = cert, key
	c.mu.Unlock()
	return nil
}

// CertPool returns a pool containing only the root.
func (c *LocalCA) CertPool() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pool := x509.NewCertPool()
	if c.cert != nil {
		pool.AddCert(c.cert)
	}
	return pool
}

// Issue implements Issuer.
func (c *LocalCA) Issue(ctx context.Context, names []string) (*Certificate, error) {
	if len(names) == 0 {
		return nil, errors.New("no names to certify")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	caCert, caKey := c.cert, c.key
	c.mu.RUnlock()
	if caCert == nil {
		return nil, errors.New("local CA not loaded")
	}

	key, keyPEM, err := newLeafKey()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(c.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	return &Certificate{
		CertPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:   string(keyPEM),
		Serial:   serial.Text(16),
		NotAfter: template.NotAfter,
	}, nil
}
