package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
)

// History returns the audit trail of an owned domain, oldest first. It is
// empty when no ledger is configured.
func (s *Service) History(ctx context.Context, owner string, id uuid.UUID) ([]*ledger.Entry, error) {
	if _, err := s.ownedDomain(ctx, owner, id); err != nil {
		return nil, err
	}
	if s.ledger == nil {
		return []*ledger.Entry{}, nil
	}
	entries, err := s.ledger.History(ctx, id.String())
	if err != nil {
		return nil, model.Wrap(model.CodeInternal, err, "load history")
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	return entries, nil
}
