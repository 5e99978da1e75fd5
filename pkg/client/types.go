package client

import "time"

// Purposes a domain can serve.
const (
	PurposeLanding      = "landing"
	PurposeURLShortener = "url_shortener"
)

// Binding statuses.
const (
	StatusPending       = "pending"
	StatusDNSConfigured = "dns_configured"
	StatusSSLPending    = "ssl_pending"
	StatusSSLIssued     = "ssl_issued"
	StatusActive        = "active"
	StatusFailed        = "failed"
	StatusRemoved       = "removed"
)

// ErrorDetail is the last failure recorded against a domain or binding.
type ErrorDetail struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Record  *RecordRef `json:"record,omitempty"`
}

// RecordRef names the DNS record a verification failure is about.
type RecordRef struct {
	Type string `json:"type"`
	Host string `json:"host"`
}

// DNSRecord is a record the owner must publish.
type DNSRecord struct {
	Type  string `json:"type"`
	Host  string `json:"host"`
	Value string `json:"value"`
}

// Binding attaches a domain to one purpose.
type Binding struct {
	ID               string       `json:"id"`
	DomainID         string       `json:"domain_id"`
	Purpose          string       `json:"purpose"`
	TargetID         string       `json:"target_id,omitempty"`
	Active           bool         `json:"active"`
	Status           string       `json:"status"`
	StatusObservedAt time.Time    `json:"status_observed_at"`
	ActivatedAt      *time.Time   `json:"activated_at,omitempty"`
	RemovedAt        *time.Time   `json:"removed_at,omitempty"`
	LastError        *ErrorDetail `json:"last_error,omitempty"`
}

// Processing reports whether the binding still waits on an asynchronous step.
func (b Binding) Processing() bool {
	switch b.Status {
	case StatusPending, StatusDNSConfigured, StatusSSLPending, StatusSSLIssued:
		return true
	}
	return false
}

// NeedsStatusCheck reports whether only an explicit status check moves the
// binding forward.
func (b Binding) NeedsStatusCheck() bool {
	return b.Status == StatusSSLPending || b.Status == StatusSSLIssued
}

// Domain is a domain with its bindings.
type Domain struct {
	ID                string       `json:"id"`
	FQDN              string       `json:"fqdn"`
	OwnerID           string       `json:"owner_id"`
	VerificationToken string       `json:"verification_token"`
	RecordType        string       `json:"verification_record_type"`
	DNSStatus         string       `json:"dns_status"`
	SSLStatus         string       `json:"ssl_status"`
	CertSerial        string       `json:"cert_serial,omitempty"`
	CertExpiresAt     *time.Time   `json:"cert_expires_at,omitempty"`
	DNSVerifiedAt     *time.Time   `json:"dns_verified_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	LastCheckedAt     *time.Time   `json:"last_checked_at,omitempty"`
	LastError         *ErrorDetail `json:"last_error,omitempty"`
	Bindings          []Binding    `json:"bindings"`
	Instructions      []DNSRecord  `json:"dns_records,omitempty"`
}

// Binding returns the binding for purpose, or nil.
func (d *Domain) Binding(purpose string) *Binding {
	for i := range d.Bindings {
		if d.Bindings[i].Purpose == purpose {
			return &d.Bindings[i]
		}
	}
	return nil
}

// AddRequest is the payload of Add. RecordType is "TXT" (default) or "CNAME".
type AddRequest struct {
	FQDN       string `json:"fqdn"`
	Purpose    string `json:"purpose"`
	RecordType string `json:"verification_record_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
}

// AddResult is returned by Add.
type AddResult struct {
	Domain       Domain      `json:"domain"`
	Binding      Binding     `json:"binding"`
	Instructions []DNSRecord `json:"dns_records"`
}

// CheckResult is returned by CheckStatus. ObservedAt is server time and orders
// results for the same domain.
type CheckResult struct {
	Status     string    `json:"status"` // "updated" or "unchanged"
	Message    string    `json:"message"`
	Domain     Domain    `json:"domain"`
	ObservedAt time.Time `json:"observed_at"`
}

// Updated reports whether the check moved anything.
func (r *CheckResult) Updated() bool { return r.Status == "updated" }

// Dependent is a resource that depends on a domain.
type Dependent struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Label   string `json:"label"`
	Purpose string `json:"purpose"`
}

// Impact is what a removal would affect.
type Impact struct {
	AffectedBindings   []Binding   `json:"affected_bindings"`
	AffectedDependents []Dependent `json:"affected_dependents"`
	CanDeactivateOnly  bool        `json:"can_deactivate_only"`
}

// RemoveResult is returned by Remove. When RequiresConfirmation is set
// nothing changed; repeat with force to proceed.
type RemoveResult struct {
	Action               string `json:"action"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Impact               Impact `json:"impact"`
}

// HistoryEntry is one audit record of a domain.
type HistoryEntry struct {
	Index     int       `json:"index"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	DomainID  string    `json:"domain_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Hash      string    `json:"hash"`
}
