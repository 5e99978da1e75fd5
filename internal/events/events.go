// Package events publishes domain lifecycle events to downstream consumers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeDomainCreated        = "domain.created"
	TypeDomainVerified       = "domain.verified"
	TypeVerificationFailed   = "domain.verification_failed"
	TypeCertificateRequested = "certificate.requested"
	TypeCertificateIssued    = "certificate.issued"
	TypeCertificateFailed    = "certificate.failed"
	TypeCertificateExpiring  = "certificate.expiring"
	TypeCertificateExpired   = "certificate.expired"
	TypeBindingActivated     = "binding.activated"
	TypeBindingDeactivated   = "binding.deactivated"
	TypeBindingFailed        = "binding.failed"
	TypeDomainRemoved        = "domain.removed"
)

// Event is one lifecycle change of a domain.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	DomainID  uuid.UUID         `json:"domain_id"`
	FQDN      string            `json:"fqdn"`
	OwnerID   string            `json:"owner_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(typ string, domainID uuid.UUID, fqdn, owner string, data map[string]string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		DomainID:  domainID,
		FQDN:      fqdn,
		OwnerID:   owner,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers events. Implementations must not block the caller on
// slow consumers for longer than ctx allows.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher. Every publisher is tried; errors are joined.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
