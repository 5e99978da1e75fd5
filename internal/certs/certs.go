// Package certs issues TLS certificates for customer domains and installs them
// on the serving host.
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrRateLimited means the certificate authority refused the order for
	// rate reasons. RetryAfter on the wrapping *IssueError says how long to wait.
	ErrRateLimited = errors.New("certificate authority rate limit")
	// ErrValidationFailed means the authority could not validate control of
	// the domain.
	ErrValidationFailed = errors.New("domain validation failed")
	// ErrDeployUnreachable means the serving host could not be reached.
	ErrDeployUnreachable = errors.New("provisioning host unreachable")
)

// IssueError carries a classified issuance failure.
type IssueError struct {
	Kind       error
	RetryAfter time.Duration
	Err        error
}

func (e *IssueError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Is matches the failure kind.
func (e *IssueError) Is(target error) bool { return target == e.Kind }

func (e *IssueError) Unwrap() error { return e.Err }

// Certificate is an issued leaf certificate with its private key.
type Certificate struct {
	CertPEM  string
	KeyPEM   string
	Serial   string
	NotAfter time.Time
}

// TLSCertificate converts the PEM pair into a tls.Certificate.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair([]byte(c.CertPEM), []byte(c.KeyPEM))
}

// Issuer obtains a certificate covering names. The first name is the subject.
type Issuer interface {
	Issue(ctx context.Context, names []string) (*Certificate, error)
}

// Deployer installs and removes certificates on the serving host.
type Deployer interface {
	Install(ctx context.Context, fqdn string, cert *Certificate) error
	Remove(ctx context.Context, fqdn string) error
}

// NoopDeployer accepts every request. Used when the process serves TLS itself
// or in development.
type NoopDeployer struct{}

func (NoopDeployer) Install(context.Context, string, *Certificate) error { return nil }
func (NoopDeployer) Remove(context.Context, string) error                { return nil }

func newLeafKey() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
