package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
)

// MemoryStore is an in-process implementation of the domain, job and dependent
// repositories. It enforces the same uniqueness rules as the PostgreSQL schema
// and backs tests and database-less development runs.
type MemoryStore struct {
	mu         sync.RWMutex
	domains    map[uuid.UUID]model.Domain
	bindings   map[uuid.UUID]model.Binding
	jobs       map[uuid.UUID]model.CertJob
	dependents map[uuid.UUID][]model.Dependent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		domains:    make(map[uuid.UUID]model.Domain),
		bindings:   make(map[uuid.UUID]model.Binding),
		jobs:       make(map[uuid.UUID]model.CertJob),
		dependents: make(map[uuid.UUID][]model.Dependent),
	}
}

// CreateDomain implements the domain store.
func (m *MemoryStore) CreateDomain(_ context.Context, d *model.Domain, b *model.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.domains {
		if existing.FQDN == d.FQDN {
			return ErrDuplicateFQDN
		}
	}
	if err := m.checkBindingLocked(b); err != nil {
		return err
	}
	m.domains[d.ID] = *d
	m.bindings[b.ID] = *b
	return nil
}

// GetDomain implements the domain store.
func (m *MemoryStore) GetDomain(_ context.Context, id uuid.UUID) (*model.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// ListDomainsByOwner implements the domain store.
func (m *MemoryStore) ListDomainsByOwner(_ context.Context, owner string) ([]model.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Domain
	for _, d := range m.domains {
		if d.OwnerID == owner {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpiring implements the domain store.
func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]model.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Domain
	for _, d := range m.domains {
		if d.SSLStatus == model.SSLIssued && d.CertExpiresAt != nil && d.CertExpiresAt.Before(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CertExpiresAt.Before(*out[j].CertExpiresAt) })
	return out, nil
}

// UpdateDomain implements the domain store.
func (m *MemoryStore) UpdateDomain(_ context.Context, d *model.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[d.ID]; !ok {
		return ErrNotFound
	}
	m.domains[d.ID] = *d
	return nil
}

// DeleteDomain implements the domain store, cascading to bindings and jobs.
func (m *MemoryStore) DeleteDomain(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[id]; !ok {
		return ErrNotFound
	}
	delete(m.domains, id)
	for bid, b := range m.bindings {
		if b.DomainID == id {
			delete(m.bindings, bid)
		}
	}
	for jid, j := range m.jobs {
		if j.DomainID == id {
			delete(m.jobs, jid)
		}
	}
	delete(m.dependents, id)
	return nil
}

// ListBindings implements the domain store.
func (m *MemoryStore) ListBindings(_ context.Context, domainID uuid.UUID) ([]model.Binding, error) {
	return m.filterBindings(func(b model.Binding) bool { return b.DomainID == domainID }), nil
}

// ListBindingsByOwner implements the domain store.
func (m *MemoryStore) ListBindingsByOwner(_ context.Context, owner string) ([]model.Binding, error) {
	return m.filterBindings(func(b model.Binding) bool { return b.OwnerID == owner }), nil
}

// ListProcessing implements the domain store.
func (m *MemoryStore) ListProcessing(_ context.Context) ([]model.Binding, error) {
	return m.filterBindings(func(b model.Binding) bool { return b.Status.Processing() }), nil
}

// ActiveBinding implements the domain store.
func (m *MemoryStore) ActiveBinding(_ context.Context, owner string, p model.Purpose) (*model.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bindings {
		if b.OwnerID == owner && b.Purpose == p && b.Active {
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

// CreateBinding implements the domain store.
func (m *MemoryStore) CreateBinding(_ context.Context, b *model.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBindingLocked(b); err != nil {
		return err
	}
	m.bindings[b.ID] = *b
	return nil
}

// UpdateBinding implements the domain store.
func (m *MemoryStore) UpdateBinding(_ context.Context, b *model.Binding, prevObservedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bindings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.StatusObservedAt.Equal(prevObservedAt) {
		return ErrStale
	}
	if b.Active {
		for id, other := range m.bindings {
			if id != b.ID && other.Active && other.OwnerID == b.OwnerID && other.Purpose == b.Purpose {
				return ErrActiveBindingExists
			}
		}
	}
	m.bindings[b.ID] = *b
	return nil
}

// CreateJob implements the job store.
func (m *MemoryStore) CreateJob(_ context.Context, j *model.CertJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := 0
	for _, other := range m.jobs {
		if other.DomainID != j.DomainID {
			continue
		}
		if other.Status == model.JobRunning {
			return ErrJobRunning
		}
		if other.Attempt > attempt {
			attempt = other.Attempt
		}
	}
	j.Attempt = attempt + 1
	j.Status = model.JobRunning
	m.jobs[j.ID] = *j
	return nil
}

// RunningJob implements the job store.
func (m *MemoryStore) RunningJob(_ context.Context, domainID uuid.UUID) (*model.CertJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.DomainID == domainID && j.Status == model.JobRunning {
			return &j, nil
		}
	}
	return nil, ErrNotFound
}

// LatestJob implements the job store.
func (m *MemoryStore) LatestJob(_ context.Context, domainID uuid.UUID) (*model.CertJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.CertJob
	for _, j := range m.jobs {
		if j.DomainID == domainID && (latest == nil || j.Attempt > latest.Attempt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// FinishJob implements the job store.
func (m *MemoryStore) FinishJob(_ context.Context, j *model.CertJob, d *model.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != model.JobRunning {
		return ErrStale
	}
	stored, ok := m.domains[d.ID]
	if !ok {
		return ErrNotFound
	}
	m.jobs[j.ID] = *j
	stored.SSLStatus = d.SSLStatus
	stored.CertSerial = d.CertSerial
	stored.CertExpiresAt = d.CertExpiresAt
	stored.LastCheckedAt = d.LastCheckedAt
	stored.LastError = d.LastError
	m.domains[d.ID] = stored
	return nil
}

// FailStaleJobs implements the job store.
func (m *MemoryStore) FailStaleJobs(_ context.Context, startedBefore time.Time, code model.Code, message string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var ids []uuid.UUID
	for id, j := range m.jobs {
		if j.Status != model.JobRunning || !j.StartedAt.Before(startedBefore) {
			continue
		}
		j.Status = model.JobFailed
		j.FinishedAt = &now
		j.ErrorCode = code
		j.ErrorMessage = message
		m.jobs[id] = j
		ids = append(ids, j.DomainID)
		if d, ok := m.domains[j.DomainID]; ok && d.SSLStatus == model.SSLPending {
			d.SSLStatus = model.SSLFailed
			d.LastCheckedAt = &now
			d.LastError = &model.ErrorDetail{Code: code, Message: message}
			m.domains[d.ID] = d
		}
	}
	return ids, nil
}

// AddDependent registers a hosted resource under domainID.
func (m *MemoryStore) AddDependent(domainID uuid.UUID, d model.Dependent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependents[domainID] = append(m.dependents[domainID], d)
}

// Dependents implements the dependent source.
func (m *MemoryStore) Dependents(_ context.Context, domainID uuid.UUID) ([]model.Dependent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Dependent(nil), m.dependents[domainID]...), nil
}

func (m *MemoryStore) checkBindingLocked(b *model.Binding) error {
	for _, other := range m.bindings {
		if other.DomainID == b.DomainID && other.Purpose == b.Purpose {
			return ErrDuplicateBinding
		}
		if b.Active && other.Active && other.OwnerID == b.OwnerID && other.Purpose == b.Purpose {
			return ErrActiveBindingExists
		}
	}
	return nil
}

func (m *MemoryStore) filterBindings(keep func(model.Binding) bool) []model.Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Binding
	for _, b := range m.bindings {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DomainID != out[j].DomainID {
			return out[i].DomainID.String() < out[j].DomainID.String()
		}
		return out[i].Purpose < out[j].Purpose
	})
	return out
}
