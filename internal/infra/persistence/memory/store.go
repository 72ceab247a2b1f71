// Package memory provides the volatile backend: process-local maps guarded by
// a read/write mutex, used for tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"unitcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the backend capability.
var _ domain.Backend = (*Store)(nil)

type memoryState struct {
	attributes map[domain.AttributeType]map[string]domain.AttributeCreate
	references map[string]domain.AttributeReference
	units      map[string]domain.UnitRecord
}

func newMemoryState() memoryState {
	s := memoryState{
		attributes: make(map[domain.AttributeType]map[string]domain.AttributeCreate, len(domain.AttributeTypes)),
		references: make(map[string]domain.AttributeReference),
		units:      make(map[string]domain.UnitRecord),
	}
	for _, t := range domain.AttributeTypes {
		s.attributes[t] = make(map[string]domain.AttributeCreate)
	}
	return s
}

func (s memoryState) clone() memoryState {
	cp := newMemoryState()
	for t, bucket := range s.attributes {
		dst := cp.attributes[t]
		if dst == nil {
			dst = make(map[string]domain.AttributeCreate, len(bucket))
			cp.attributes[t] = dst
		}
		for id, rec := range bucket {
			dst[id] = cloneAttribute(rec)
		}
	}
	for id, ref := range s.references {
		cp.references[id] = ref
	}
	for id, u := range s.units {
		cp.units[id] = u.Clone()
	}
	return cp
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func cloneAttribute(a domain.AttributeCreate) domain.AttributeCreate {
	if addr, ok := a.Payload.(domain.Address); ok && addr.Coordinates != nil {
		c := *addr.Coordinates
		addr.Coordinates = &c
		return domain.NewAttribute(addr)
	}
	return a
}

func (s *memoryState) getAttribute(t domain.AttributeType, internalID string) (domain.AttributeCreate, error) {
	bucket, ok := s.attributes[t]
	if !ok {
		return domain.AttributeCreate{}, domain.InvalidTypeError{Type: string(t)}
	}
	rec, ok := bucket[internalID]
	if !ok {
		return domain.AttributeCreate{}, domain.NotFoundError{Entity: domain.EntityAttribute, ID: internalID}
	}
	return cloneAttribute(rec), nil
}

func (s *memoryState) resolveReference(id string) (domain.AttributeReference, error) {
	ref, ok := s.references[id]
	if !ok {
		return domain.AttributeReference{}, domain.NotFoundError{Entity: domain.EntityReference, ID: id}
	}
	return ref, nil
}

func (s *memoryState) listReferences(filter domain.AttributeFilter) []domain.AttributeReference {
	out := make([]domain.AttributeReference, 0, len(s.references))
	for _, ref := range s.references {
		if filter.Type != "" && ref.Type != filter.Type {
			continue
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *memoryState) getUnit(id string) (domain.UnitRecord, error) {
	u, ok := s.units[id]
	if !ok {
		return domain.UnitRecord{}, domain.NotFoundError{Entity: domain.EntityUnit, ID: id}
	}
	return u.Clone(), nil
}

func (s *memoryState) findUnits(q domain.UnitQuery) []domain.UnitRecord {
	out := make([]domain.UnitRecord, 0)
	for _, u := range s.units {
		if q.Matches(u) {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Store is the in-memory backend. The zero value is not usable; call NewStore.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	closed bool
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

// Driver reports the memory storage driver.
func (s *Store) Driver() domain.StorageDriver { return domain.StorageMemory }

// Close marks the store closed; later transactions fail with a StorageError.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reader returns a view over the committed state. Each call takes the read
// lock for its own duration, so the view is safe for concurrent use.
func (s *Store) Reader() domain.TransactionView { return storeView{store: s} }

// RunInTransaction applies fn to a private clone of the state and swaps it in
// only when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError{Op: "begin", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.StorageError{Op: "begin", Err: fmt.Errorf("memory store closed")}
	}
	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.StorageError{Op: "commit", Err: err}
	}
	s.state = tx.state
	return nil
}

type storeView struct {
	store *Store
}

func (v storeView) GetAttribute(_ context.Context, t domain.AttributeType, internalID string) (domain.AttributeCreate, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.state.getAttribute(t, internalID)
}

func (v storeView) ResolveReference(_ context.Context, id string) (domain.AttributeReference, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.state.resolveReference(id)
}

func (v storeView) ListReferences(_ context.Context, filter domain.AttributeFilter) ([]domain.AttributeReference, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.state.listReferences(filter), nil
}

func (v storeView) GetUnit(_ context.Context, id string) (domain.UnitRecord, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.state.getUnit(id)
}

func (v storeView) FindUnits(_ context.Context, q domain.UnitQuery) ([]domain.UnitRecord, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.state.findUnits(q), nil
}

// transaction mutates a cloned state owned by a single RunInTransaction call.
type transaction struct {
	state memoryState
}

func (tx *transaction) GetAttribute(_ context.Context, t domain.AttributeType, internalID string) (domain.AttributeCreate, error) {
	return tx.state.getAttribute(t, internalID)
}

func (tx *transaction) PutAttribute(_ context.Context, internalID string, rec domain.AttributeCreate) error {
	t := rec.Type()
	bucket, ok := tx.state.attributes[t]
	if !ok {
		return domain.InvalidTypeError{Type: string(t)}
	}
	bucket[internalID] = cloneAttribute(rec)
	return nil
}

func (tx *transaction) DeleteAttribute(_ context.Context, t domain.AttributeType, internalID string) error {
	bucket, ok := tx.state.attributes[t]
	if !ok {
		return domain.InvalidTypeError{Type: string(t)}
	}
	delete(bucket, internalID)
	return nil
}

func (tx *transaction) ResolveReference(_ context.Context, id string) (domain.AttributeReference, error) {
	return tx.state.resolveReference(id)
}

func (tx *transaction) ListReferences(_ context.Context, filter domain.AttributeFilter) ([]domain.AttributeReference, error) {
	return tx.state.listReferences(filter), nil
}

func (tx *transaction) CreateReference(_ context.Context, t domain.AttributeType, internalID string) (string, error) {
	if !t.Valid() {
		return "", domain.InvalidTypeError{Type: string(t)}
	}
	id := domain.NewID()
	tx.state.references[id] = domain.AttributeReference{ID: id, Type: t, InternalID: internalID}
	return id, nil
}

func (tx *transaction) UpdateReference(_ context.Context, ref domain.AttributeReference) error {
	if _, ok := tx.state.references[ref.ID]; !ok {
		return domain.NotFoundError{Entity: domain.EntityReference, ID: ref.ID}
	}
	if !ref.Type.Valid() {
		return domain.InvalidTypeError{Type: string(ref.Type)}
	}
	tx.state.references[ref.ID] = ref
	return nil
}

func (tx *transaction) GetUnit(_ context.Context, id string) (domain.UnitRecord, error) {
	return tx.state.getUnit(id)
}

func (tx *transaction) FindUnits(_ context.Context, q domain.UnitQuery) ([]domain.UnitRecord, error) {
	return tx.state.findUnits(q), nil
}

func (tx *transaction) PutUnit(_ context.Context, u domain.UnitRecord) error {
	if _, exists := tx.state.units[u.ID]; exists {
		return domain.StorageError{Op: "put unit", Err: fmt.Errorf("unit %s already exists", u.ID)}
	}
	rec := u.Clone()
	rec.Version = 1
	tx.state.units[u.ID] = rec
	return nil
}

func (tx *transaction) UpdateUnitAttributes(_ context.Context, id string, expectedVersion int64, attributeIDs []string) error {
	u, ok := tx.state.units[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityUnit, ID: id}
	}
	if u.Version != expectedVersion {
		return domain.ConflictError{UnitID: id}
	}
	u.AttributeIDs = copyIDs(attributeIDs)
	u.Version++
	tx.state.units[id] = u
	return nil
}
