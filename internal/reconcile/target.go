package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

// Reconciler is the slice of the domain service the server-side poller drives.
type Reconciler interface {
	ProcessingIDs(ctx context.Context) (map[uuid.UUID]bool, error)
	Reconcile(ctx context.Context, id uuid.UUID) (*model.CheckResult, error)
}

// ServiceTarget adapts the domain service to Target. Results carry a
// *model.CheckResult payload.
type ServiceTarget struct {
	Service Reconciler
}

// Processing implements Target.
func (t ServiceTarget) Processing(ctx context.Context) (map[uuid.UUID]bool, error) {
	return t.Service.ProcessingIDs(ctx)
}

// Check implements Target.
func (t ServiceTarget) Check(ctx context.Context, id uuid.UUID) (Result, error) {
	res, err := t.Service.Reconcile(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{
		DomainID:   id,
		ObservedAt: res.ObservedAt,
		Updated:    res.Status == model.CheckUpdated,
		Payload:    res,
	}, nil
}
