package model

import "fmt"

// Purpose identifies which hosted endpoint a domain is attached to.
type Purpose string

const (
	PurposeLanding      Purpose = "landing"
	PurposeURLShortener Purpose = "url_shortener"
)

// Purposes lists every supported purpose in display order.
var Purposes = []Purpose{PurposeLanding, PurposeURLShortener}

// ParsePurpose validates a raw purpose string.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(s); p {
	case PurposeLanding, PurposeURLShortener:
		return p, nil
	default:
		return "", fmt.Errorf("unknown purpose %q", s)
	}
}

// RecordType is the DNS record the owner publishes to prove ownership.
type RecordType string

const (
	RecordTXT   RecordType = "TXT"
	RecordCNAME RecordType = "CNAME"
)

// ParseRecordType validates a raw record type; the empty string means TXT.
func ParseRecordType(s string) (RecordType, error) {
	switch RecordType(s) {
	case "", RecordTXT:
		return RecordTXT, nil
	case RecordCNAME:
		return RecordCNAME, nil
	default:
		return "", fmt.Errorf("unsupported verification record type %q", s)
	}
}

// DNSStatus is the ownership readiness of a domain.
type DNSStatus string

const (
	DNSUnverified DNSStatus = "unverified"
	DNSVerified   DNSStatus = "verified"
)

// SSLStatus is the certificate state of a domain.
type SSLStatus string

const (
	SSLNone    SSLStatus = "none"
	SSLPending SSLStatus = "pending"
	SSLIssued  SSLStatus = "issued"
	SSLFailed  SSLStatus = "failed"
	SSLExpired SSLStatus = "expired"
)

// CanTransition reports whether the certificate state machine allows from → to.
// Passing retry=true permits the failed/expired → pending edge, which is only
// reachable through an explicit retry.
func (from SSLStatus) CanTransition(to SSLStatus, retry bool) bool {
	switch from {
	case SSLNone:
		return to == SSLPending
	case SSLPending:
		return to == SSLIssued || to == SSLFailed || (retry && to == SSLPending)
	case SSLIssued:
		return to == SSLExpired
	case SSLFailed, SSLExpired:
		return retry && to == SSLPending
	default:
		return false
	}
}

// BindingStatus is the purpose-scoped projection of domain readiness.
type BindingStatus string

const (
	BindingPending       BindingStatus = "pending"
	BindingDNSConfigured BindingStatus = "dns_configured"
	BindingSSLPending    BindingStatus = "ssl_pending"
	BindingSSLIssued     BindingStatus = "ssl_issued"
	BindingActive        BindingStatus = "active"
	BindingFailed        BindingStatus = "failed"
	BindingRemoved       BindingStatus = "removed"
)

// BindingStatuses lists every binding status surfaced to callers.
var BindingStatuses = []BindingStatus{
	BindingPending, BindingDNSConfigured, BindingSSLPending,
	BindingSSLIssued, BindingActive, BindingFailed, BindingRemoved,
}

// rank orders the forward path. failed and removed sit outside the path and
// are handled explicitly in CanAdvance.
func (s BindingStatus) rank() int {
	switch s {
	case BindingPending:
		return 0
	case BindingDNSConfigured:
		return 1
	case BindingSSLPending:
		return 2
	case BindingSSLIssued:
		return 3
	case BindingActive:
		return 4
	case BindingFailed:
		return 5
	case BindingRemoved:
		return 6
	default:
		return -1
	}
}

// Valid reports whether s is a known binding status.
func (s BindingStatus) Valid() bool { return s.rank() >= 0 }

// Processing reports whether the binding is waiting on an asynchronous step and
// therefore belongs to the reconciliation set.
func (s BindingStatus) Processing() bool {
	switch s {
	case BindingPending, BindingDNSConfigured, BindingSSLPending, BindingSSLIssued:
		return true
	case BindingActive, BindingFailed, BindingRemoved:
		return false
	default:
		return false
	}
}

// NeedsStatusCheck reports whether the state has no passive signal and must be
// driven by an explicit status check.
func (s BindingStatus) NeedsStatusCheck() bool {
	return s == BindingSSLPending || s == BindingSSLIssued
}

// CanAdvance reports whether a reconciliation observation may move a binding
// from s to next. Only forward moves are allowed; a reset requires a retry.
func (s BindingStatus) CanAdvance(next BindingStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	switch s {
	case BindingRemoved:
		return false
	case BindingFailed:
		return next == BindingRemoved
	}
	switch next {
	case BindingFailed, BindingRemoved:
		return true
	default:
		return next.rank() > s.rank()
	}
}
