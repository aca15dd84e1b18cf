package store

import (
	"context"
	"sort"
	"sync"

	"qazna.org/xs2a/internal/domain"
)

// Memory implements Store with in-process concurrency safety. A transaction
// holds the write lock for its whole duration and stages writes until commit.
type Memory struct {
	mu       sync.RWMutex
	auths    map[string]domain.Authorisation
	consents map[string]domain.Consent
	payments map[string]domain.Payment
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		auths:    make(map[string]domain.Authorisation),
		consents: make(map[string]domain.Consent),
		payments: make(map[string]domain.Payment),
	}
}

func (m *Memory) GetAuthorisation(ctx context.Context, id string) (domain.Authorisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	if !ok {
		return domain.Authorisation{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAuthorisations(ctx context.Context, parentID string, typ domain.AuthorisationType) ([]domain.Authorisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listAuths(m.auths, nil, parentID, typ), nil
}

func (m *Memory) GetConsent(ctx context.Context, id string) (domain.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consents[id]
	if !ok {
		return domain.Consent{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) FindConsents(ctx context.Context, q ConsentQuery) ([]domain.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findConsents(m.consents, nil, q), nil
}

func (m *Memory) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return domain.Payment{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:        m,
		auths:    make(map[string]domain.Authorisation),
		consents: make(map[string]domain.Consent),
		payments: make(map[string]domain.Payment),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, a := range tx.auths {
		m.auths[id] = a
	}
	for id, c := range tx.consents {
		m.consents[id] = c
	}
	for id, p := range tx.payments {
		m.payments[id] = p
	}
	return nil
}

// memTx reads through its staged writes to the committed maps. The parent
// Memory lock is held by InTx.
type memTx struct {
	m        *Memory
	auths    map[string]domain.Authorisation
	consents map[string]domain.Consent
	payments map[string]domain.Payment
}

func (t *memTx) authorisation(id string) (domain.Authorisation, bool) {
	if a, ok := t.auths[id]; ok {
		return a, true
	}
	a, ok := t.m.auths[id]
	return a, ok
}

func (t *memTx) consent(id string) (domain.Consent, bool) {
	if c, ok := t.consents[id]; ok {
		return c, true
	}
	c, ok := t.m.consents[id]
	return c, ok
}

func (t *memTx) payment(id string) (domain.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	p, ok := t.m.payments[id]
	return p, ok
}

func (t *memTx) GetAuthorisation(ctx context.Context, id string) (domain.Authorisation, error) {
	a, ok := t.authorisation(id)
	if !ok {
		return domain.Authorisation{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) ListAuthorisations(ctx context.Context, parentID string, typ domain.AuthorisationType) ([]domain.Authorisation, error) {
	return listAuths(t.m.auths, t.auths, parentID, typ), nil
}

func (t *memTx) GetConsent(ctx context.Context, id string) (domain.Consent, error) {
	c, ok := t.consent(id)
	if !ok {
		return domain.Consent{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (t *memTx) FindConsents(ctx context.Context, q ConsentQuery) ([]domain.Consent, error) {
	return findConsents(t.m.consents, t.consents, q), nil
}

func (t *memTx) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	p, ok := t.payment(id)
	if !ok {
		return domain.Payment{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (t *memTx) CreateAuthorisation(ctx context.Context, a domain.Authorisation) error {
	if _, ok := t.authorisation(a.ID); ok {
		return ErrExists
	}
	a.Version = 1
	t.auths[a.ID] = a
	return nil
}

func (t *memTx) SaveAuthorisation(ctx context.Context, a domain.Authorisation, expected domain.ScaStatus) (domain.Authorisation, error) {
	cur, ok := t.authorisation(a.ID)
	if !ok {
		return domain.Authorisation{}, ErrNotFound
	}
	if cur.ScaStatus != expected || cur.Version != a.Version {
		return domain.Authorisation{}, ErrConflict
	}
	a.Version = cur.Version + 1
	t.auths[a.ID] = a
	return a, nil
}

func (t *memTx) CreateConsent(ctx context.Context, c domain.Consent) error {
	if _, ok := t.consent(c.ID); ok {
		return ErrExists
	}
	c = c.Clone()
	c.Version = 1
	t.consents[c.ID] = c
	return nil
}

func (t *memTx) SaveConsent(ctx context.Context, c domain.Consent) (domain.Consent, error) {
	cur, ok := t.consent(c.ID)
	if !ok {
		return domain.Consent{}, ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.Consent{}, ErrConflict
	}
	c = c.Clone()
	c.Version = cur.Version + 1
	t.consents[c.ID] = c
	return c.Clone(), nil
}

func (t *memTx) CreatePayment(ctx context.Context, p domain.Payment) error {
	if _, ok := t.payment(p.ID); ok {
		return ErrExists
	}
	p = p.Clone()
	p.Version = 1
	t.payments[p.ID] = p
	return nil
}

func (t *memTx) SavePayment(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	cur, ok := t.payment(p.ID)
	if !ok {
		return domain.Payment{}, ErrNotFound
	}
	if cur.Version != p.Version {
		return domain.Payment{}, ErrConflict
	}
	p = p.Clone()
	p.Version = cur.Version + 1
	t.payments[p.ID] = p
	return p.Clone(), nil
}

// --- helpers ---

func listAuths(base, staged map[string]domain.Authorisation, parentID string, typ domain.AuthorisationType) []domain.Authorisation {
	merged := make(map[string]domain.Authorisation, len(base))
	for id, a := range base {
		merged[id] = a
	}
	for id, a := range staged {
		merged[id] = a
	}
	var res []domain.Authorisation
	for _, a := range merged {
		if a.ParentID != parentID {
			continue
		}
		if typ != "" && a.Type != typ {
			continue
		}
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func findConsents(base, staged map[string]domain.Consent, q ConsentQuery) []domain.Consent {
	merged := make(map[string]domain.Consent, len(base))
	for id, c := range base {
		merged[id] = c
	}
	for id, c := range staged {
		merged[id] = c
	}
	var res []domain.Consent
	for _, c := range merged {
		if c.ID == q.ExcludeID {
			continue
		}
		if q.TppID != "" && c.TppID != q.TppID {
			continue
		}
		if c.InstanceID != q.InstanceID {
			continue
		}
		if q.Type != "" && c.Type != q.Type {
			continue
		}
		if q.OnlyActive && c.Status.IsFinalised() {
			continue
		}
		res = append(res, c.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
