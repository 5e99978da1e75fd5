package model

import (
	"time"

	"github.com/google/uuid"
)

// ErrorDetail is the most recent failure recorded against a domain or binding.
type ErrorDetail struct {
	Code    Code       `json:"code"`
	Message string     `json:"message"`
	Record  *RecordRef `json:"record,omitempty"`
}

// RecordRef identifies the DNS record a verification failure is about.
type RecordRef struct {
	Type string `json:"type"`
	Host string `json:"host"`
}

// Domain is a customer-owned hostname attached to the platform.
type Domain struct {
	ID                uuid.UUID    `json:"id"`
	FQDN              string       `json:"fqdn"`
	OwnerID           string       `json:"owner_id"`
	VerificationToken string       `json:"verification_token"`
	RecordType        RecordType   `json:"verification_record_type"`
	DNSStatus         DNSStatus    `json:"dns_status"`
	SSLStatus         SSLStatus    `json:"ssl_status"`
	CertSerial        string       `json:"cert_serial,omitempty"`
	CertExpiresAt     *time.Time   `json:"cert_expires_at,omitempty"`
	DNSVerifiedAt     *time.Time   `json:"dns_verified_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	LastCheckedAt     *time.Time   `json:"last_checked_at,omitempty"`
	LastError         *ErrorDetail `json:"last_error,omitempty"`
}

// Ready reports whether the domain may back an active binding.
func (d *Domain) Ready() bool {
	return d.DNSStatus == DNSVerified && d.SSLStatus == SSLIssued
}

// CertExpired reports whether an issued certificate is past its expiry at now.
func (d *Domain) CertExpired(now time.Time) bool {
	return d.SSLStatus == SSLIssued && d.CertExpiresAt != nil && !now.Before(*d.CertExpiresAt)
}

// Binding attaches a domain to one purpose for its owner.
type Binding struct {
	ID               uuid.UUID     `json:"id"`
	DomainID         uuid.UUID     `json:"domain_id"`
	OwnerID          string        `json:"owner_id"`
	Purpose          Purpose       `json:"purpose"`
	TargetID         *uuid.UUID    `json:"target_id,omitempty"`
	Active           bool          `json:"active"`
	Status           BindingStatus `json:"status"`
	StatusObservedAt time.Time     `json:"status_observed_at"`
	ActivatedAt      *time.Time    `json:"activated_at,omitempty"`
	RemovedAt        *time.Time    `json:"removed_at,omitempty"`
	LastError        *ErrorDetail  `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Live reports whether the binding still counts against the domain.
func (b *Binding) Live() bool { return b.Status != BindingRemoved }

// DomainView is a domain together with its bindings, as returned by the API.
type DomainView struct {
	Domain
	Bindings     []Binding   `json:"bindings"`
	Instructions []DNSRecord `json:"dns_records,omitempty"`
}

// Binding returns the binding for purpose, or nil.
func (v *DomainView) Binding(p Purpose) *Binding {
	for i := range v.Bindings {
		if v.Bindings[i].Purpose == p {
			return &v.Bindings[i]
		}
	}
	return nil
}

// DNSRecord is one record the owner must publish before verification succeeds.
type DNSRecord struct {
	Type  string `json:"type"`
	Host  string `json:"host"`
	Value string `json:"value"`
}

// JobStatus is the lifecycle of one certificate issuance attempt.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// CertJob records one certificate issuance attempt for a domain.
type CertJob struct {
	ID           uuid.UUID  `json:"id"`
	DomainID     uuid.UUID  `json:"domain_id"`
	Status       JobStatus  `json:"status"`
	Attempt      int        `json:"attempt"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorCode    Code       `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// DependentKind names the resource type hosted under a domain.
type DependentKind string

const (
	DependentShortLink   DependentKind = "short_link"
	DependentLandingPage DependentKind = "landing_page"
)

// Dependent is a resource that stops resolving if its domain is removed.
type Dependent struct {
	Kind    DependentKind `json:"kind"`
	ID      uuid.UUID     `json:"id"`
	Label   string        `json:"label"`
	Purpose Purpose       `json:"purpose"`
}
