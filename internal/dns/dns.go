package dns

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

// DefaultVerifyPrefix is the label prepended to a domain to form the host where
// the ownership record is published.
const DefaultVerifyPrefix = "_hostdomains-verify"

// Resolver is the subset of *net.Resolver used for verification.
type Resolver interface {
	LookupTXT(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NewResolver returns a resolver that queries addr ("host:port") directly, or the
// system resolver when addr is empty.
func NewResolver(addr string) *net.Resolver {
	if addr == "" {
		return net.DefaultResolver
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// MismatchError means a required record is absent or carries the wrong value.
type MismatchError struct {
	Type   string // "TXT", "CNAME" or "A"
	Host   string
	Detail string
}

// Record names the record, e.g. "A www.shop.example.com".
func (e *MismatchError) Record() string { return e.Type + " " + e.Host }

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Record(), e.Detail)
}

// QueryError means the resolver itself failed; the answer is unknown.
type QueryError struct {
	Record string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Record, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Config controls a Verifier.
type Config struct {
	ServiceIP    string
	VerifyPrefix string
	CNAMETarget  string
	Timeout      time.Duration
}

// Verifier checks that an owner has published the ownership record and pointed
// the apex and www hosts at the service address.
type Verifier struct {
	resolver Resolver
	cfg      Config
	ip       net.IP
}

// NewVerifier creates a Verifier. ServiceIP must be a literal IP address.
func NewVerifier(r Resolver, cfg Config) (*Verifier, error) {
	ip := net.ParseIP(cfg.ServiceIP)
	if ip == nil {
		return nil, fmt.Errorf("service ip %q is not an IP address", cfg.ServiceIP)
	}
	if cfg.VerifyPrefix == "" {
		cfg.VerifyPrefix = DefaultVerifyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Verifier{resolver: r, cfg: cfg, ip: ip}, nil
}

// VerifyHost returns the host where the ownership record must be placed for fqdn.
func (v *Verifier) VerifyHost(fqdn string) string {
	return v.cfg.VerifyPrefix + "." + strings.TrimSuffix(fqdn, ".")
}

// CNAMEValue returns the CNAME target expected for token.
func (v *Verifier) CNAMEValue(token string) string {
	return token + "." + strings.TrimSuffix(v.cfg.CNAMETarget, ".")
}

// Instructions lists the records the owner must publish for d to verify.
func (v *Verifier) Instructions(fqdn, token string, rt model.RecordType) []model.DNSRecord {
	ip := v.ip.String()
	recs := []model.DNSRecord{
		{Type: "A", Host: "@", Value: ip},
		{Type: "A", Host: "www", Value: ip},
	}
	if rt == model.RecordCNAME {
		recs = append(recs, model.DNSRecord{Type: "CNAME", Host: v.VerifyHost(fqdn), Value: v.CNAMEValue(token)})
	} else {
		recs = append(recs, model.DNSRecord{Type: "TXT", Host: v.VerifyHost(fqdn), Value: token})
	}
	return recs
}

// Verify performs every check for fqdn. It returns nil when all pass, a
// *MismatchError naming the first missing record, or a *QueryError.
func (v *Verifier) Verify(ctx context.Context, fqdn, token string, rt model.RecordType) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	if rt == model.RecordCNAME {
		if err := v.checkCNAME(ctx, fqdn, token); err != nil {
			return err
		}
	} else if err := v.checkTXT(ctx, fqdn, token); err != nil {
		return err
	}
	if err := v.checkA(ctx, fqdn); err != nil {
		return err
	}
	return v.checkA(ctx, "www."+fqdn)
}

func (v *Verifier) checkTXT(ctx context.Context, fqdn, token string) error {
	host := v.VerifyHost(fqdn)
	txts, err := v.resolver.LookupTXT(ctx, host)
	if err != nil {
		return classify("TXT", host, err)
	}
	for _, txt := range txts {
		if strings.TrimSpace(txt) == token {
			return nil
		}
	}
	if len(txts) == 0 {
		return &MismatchError{Type: "TXT", Host: host, Detail: "record not found"}
	}
	return &MismatchError{Type: "TXT", Host: host, Detail: "value does not match verification token"}
}

func (v *Verifier) checkCNAME(ctx context.Context, fqdn, token string) error {
	host := v.VerifyHost(fqdn)
	cname, err := v.resolver.LookupCNAME(ctx, host)
	if err != nil {
		return classify("CNAME", host, err)
	}
	if !strings.EqualFold(strings.TrimSuffix(cname, "."), v.CNAMEValue(token)) {
		return &MismatchError{Type: "CNAME", Host: host, Detail: fmt.Sprintf("expected %s", v.CNAMEValue(token))}
	}
	return nil
}

func (v *Verifier) checkA(ctx context.Context, host string) error {
	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return classify("A", host, err)
	}
	for _, a := range addrs {
		if a.IP.Equal(v.ip) {
			return nil
		}
	}
	return &MismatchError{Type: "A", Host: host, Detail: fmt.Sprintf("does not point to %s", v.ip)}
}

// classify separates "no such record" from resolver failures.
func classify(rtype, host string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return &MismatchError{Type: rtype, Host: host, Detail: "record not found"}
	}
	return &QueryError{Record: rtype + " " + host, Err: err}
}

// GenerateToken produces a cryptographically random URL-safe verification token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
