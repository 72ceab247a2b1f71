// Package core orchestrates the attribute repository, attribute index and
// unit store of a backend into the tree-shaped operations of domain.Database.
package core

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"unitcore/pkg/domain"
)

var _ domain.Database = (*Service)(nil)

// Operation names reported to the MetricsRecorder.
const (
	opStoreAttribute     = "store_attribute"
	opFetchAttribute     = "fetch_attribute"
	opUpdateAttribute    = "update_attribute"
	opListAttributes     = "list_attributes"
	opStoreUnit          = "store_unit"
	opFetchUnit          = "fetch_unit"
	opAddAttributeToUnit = "add_attribute_to_unit"
	opFindUnits          = "find_units"
)

// Service implements domain.Database over any domain.Backend.
type Service struct {
	backend          domain.Backend
	clock            Clock
	logger           *zap.Logger
	metrics          MetricsRecorder
	fetchConcurrency int
	appendAttempts   int
}

// NewService constructs a service backed by the supplied backend.
func NewService(backend domain.Backend, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		backend:          backend,
		clock:            o.clock,
		logger:           o.logger.With(zap.String("driver", string(backend.Driver()))),
		metrics:          o.metrics,
		fetchConcurrency: o.fetchConcurrency,
		appendAttempts:   o.appendAttempts,
	}
}

// Backend returns the underlying storage implementation.
func (s *Service) Backend() domain.Backend {
	return s.backend
}

// track starts timing op; the returned func reports the outcome held in *errp.
func (s *Service) track(ctx context.Context, op string) func(errp *error) {
	started := s.clock.Now()
	return func(errp *error) {
		s.metrics.Observe(ctx, op, *errp == nil, s.clock.Now().Sub(started))
	}
}

// createAttribute writes the record under a fresh internal id and indexes it.
func (s *Service) createAttribute(ctx context.Context, tx domain.Transaction, rec domain.AttributeCreate) (string, error) {
	internalID := domain.NewID()
	s.logger.Debug("storing attribute", zap.String("type", string(rec.Type())), zap.String("internal_id", internalID))
	if err := tx.PutAttribute(ctx, internalID, rec); err != nil {
		return "", err
	}
	refID, err := tx.CreateReference(ctx, rec.Type(), internalID)
	if err != nil {
		return "", err
	}
	s.logger.Debug("indexed attribute", zap.String("reference_id", refID))
	return refID, nil
}

// StoreAttribute validates and persists a standalone attribute.
func (s *Service) StoreAttribute(ctx context.Context, rec domain.AttributeCreate) (_ domain.Attribute, err error) {
	defer s.track(ctx, opStoreAttribute)(&err)
	if err := rec.Validate(); err != nil {
		return domain.Attribute{}, err
	}
	var refID string
	err = s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		refID, err = s.createAttribute(ctx, tx, rec)
		return err
	})
	if err != nil {
		s.logStorageFailure("store attribute", err)
		return domain.Attribute{}, err
	}
	return domain.Attribute{ID: refID, Payload: rec.Payload}, nil
}

// FetchAttribute resolves a reference id. It returns nil when the reference or
// the record it points at is missing.
func (s *Service) FetchAttribute(ctx context.Context, referenceID string) (_ *domain.Attribute, err error) {
	defer s.track(ctx, opFetchAttribute)(&err)
	return s.resolveAttribute(ctx, s.backend.Reader(), referenceID)
}

func (s *Service) resolveAttribute(ctx context.Context, view domain.TransactionView, referenceID string) (*domain.Attribute, error) {
	ref, err := view.ResolveReference(ctx, referenceID)
	if isMissing(err) {
		s.logger.Warn("attribute reference not found", zap.String("reference_id", referenceID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := view.GetAttribute(ctx, ref.Type, ref.InternalID)
	if isMissing(err) {
		s.logger.Warn("attribute reference is dangling",
			zap.String("reference_id", referenceID),
			zap.String("type", string(ref.Type)),
			zap.String("internal_id", ref.InternalID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Attribute{ID: ref.ID, Payload: rec.Payload}, nil
}

// UpdateAttribute replaces the record behind referenceID. Units holding the
// reference observe the new value on their next fetch. A type change moves the
// record to the new type's repository and claims every holder's version, so a
// concurrent append of the new type surfaces as a conflict and is retried.
func (s *Service) UpdateAttribute(ctx context.Context, referenceID string, rec domain.AttributeCreate) (_ domain.Attribute, err error) {
	defer s.track(ctx, opUpdateAttribute)(&err)
	if err := rec.Validate(); err != nil {
		return domain.Attribute{}, err
	}
	for attempt := 1; ; attempt++ {
		err = s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return s.replaceAttribute(ctx, tx, referenceID, rec)
		})
		if errors.Is(err, domain.ErrConflict) && attempt < s.appendAttempts {
			s.logger.Debug("holder changed concurrently, retrying",
				zap.String("reference_id", referenceID), zap.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		s.logStorageFailure("update attribute", err)
		return domain.Attribute{}, err
	}
	return domain.Attribute{ID: referenceID, Payload: rec.Payload}, nil
}

func (s *Service) replaceAttribute(ctx context.Context, tx domain.Transaction, referenceID string, rec domain.AttributeCreate) error {
	ref, err := tx.ResolveReference(ctx, referenceID)
	if err != nil {
		return err
	}
	if ref.Type == rec.Type() {
		s.logger.Debug("overwriting attribute", zap.String("reference_id", referenceID))
		return tx.PutAttribute(ctx, ref.InternalID, rec)
	}
	holders, err := tx.FindUnits(ctx, domain.UnitQuery{AttributeID: referenceID})
	if err != nil {
		return err
	}
	for _, u := range holders {
		others := make([]string, 0, len(u.AttributeIDs))
		for _, id := range u.AttributeIDs {
			if id != referenceID {
				others = append(others, id)
			}
		}
		types, err := attributeTypes(ctx, tx, others)
		if err != nil {
			return err
		}
		if _, dup := types[rec.Type()]; dup {
			return domain.DuplicateTypeError{UnitID: u.ID, Type: rec.Type()}
		}
		// Same list, new version: appends racing this retype must re-check types.
		if err := tx.UpdateUnitAttributes(ctx, u.ID, u.Version, u.AttributeIDs); err != nil {
			return err
		}
	}
	internalID := domain.NewID()
	s.logger.Debug("moving attribute to new type",
		zap.String("reference_id", referenceID),
		zap.String("from", string(ref.Type)),
		zap.String("to", string(rec.Type())))
	if err := tx.PutAttribute(ctx, internalID, rec); err != nil {
		return err
	}
	if err := tx.UpdateReference(ctx, domain.AttributeReference{ID: referenceID, Type: rec.Type(), InternalID: internalID}); err != nil {
		return err
	}
	return tx.DeleteAttribute(ctx, ref.Type, ref.InternalID)
}

// ListAttributes returns indexed attributes ordered by reference id. Dangling
// references are skipped and do not count against the limit.
func (s *Service) ListAttributes(ctx context.Context, filter domain.AttributeFilter) (_ []domain.Attribute, err error) {
	defer s.track(ctx, opListAttributes)(&err)
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.InvalidTypeError{Type: string(filter.Type)}
	}
	if filter.Limit < 0 {
		return nil, domain.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	view := s.backend.Reader()
	refs, err := view.ListReferences(ctx, domain.AttributeFilter{Type: filter.Type})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Attribute, 0, len(refs))
	for _, ref := range refs {
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		rec, err := view.GetAttribute(ctx, ref.Type, ref.InternalID)
		if isMissing(err) {
			s.logger.Warn("skipping dangling attribute reference", zap.String("reference_id", ref.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Attribute{ID: ref.ID, Payload: rec.Payload})
	}
	return out, nil
}

// FindUnits returns stored unit records matching every non-empty field of q.
func (s *Service) FindUnits(ctx context.Context, q domain.UnitQuery) (_ []domain.UnitRecord, err error) {
	defer s.track(ctx, opFindUnits)(&err)
	if q.Limit < 0 {
		return nil, domain.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return s.backend.Reader().FindUnits(ctx, q)
}

type appendResult int

const (
	appendApplied appendResult = iota
	appendMissingUnit
	appendMissingReference
	appendDuplicate
)

type appendOutcome struct {
	result appendResult
	// updating is set once the attempt reached the unit update.
	updating bool
}

// AddAttributeToUnit appends a new or existing attribute to a unit and returns
// the resolved unit. It returns nil when the unit or the reference does not
// exist, and the unchanged unit when it already holds an attribute of the same
// type.
func (s *Service) AddAttributeToUnit(ctx context.Context, unitID string, in domain.AttributeInput) (_ *domain.Unit, err error) {
	defer s.track(ctx, opAddAttributeToUnit)(&err)
	if !in.IsReference() {
		if err := in.Create.Validate(); err != nil {
			return nil, err
		}
	}
	log := s.logger.With(zap.String("unit_id", unitID))

	var out appendOutcome
	for attempt := 1; ; attempt++ {
		out, err = s.appendAttribute(ctx, unitID, in)
		if errors.Is(err, domain.ErrConflict) && attempt < s.appendAttempts {
			log.Debug("unit changed concurrently, retrying", zap.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		if out.updating && errors.Is(err, domain.ErrStorage) {
			log.Error("attribute append failed, returning current unit", zap.Error(err))
			return s.fetchUnit(ctx, unitID)
		}
		s.logStorageFailure("add attribute to unit", err)
		return nil, err
	}
	switch out.result {
	case appendMissingUnit:
		log.Warn("unit not found")
		return nil, nil
	case appendMissingReference:
		log.Warn("attribute reference not found", zap.String("reference_id", in.ReferenceID))
		return nil, nil
	case appendDuplicate:
		log.Warn("unit already has an attribute of this type, ignoring")
	}
	return s.fetchUnit(ctx, unitID)
}

func (s *Service) appendAttribute(ctx context.Context, unitID string, in domain.AttributeInput) (appendOutcome, error) {
	var out appendOutcome
	err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		out = appendOutcome{}
		rec, err := tx.GetUnit(ctx, unitID)
		if isMissing(err) {
			out.result = appendMissingUnit
			return nil
		}
		if err != nil {
			return err
		}

		refID := in.ReferenceID
		var t domain.AttributeType
		if in.IsReference() {
			ref, err := tx.ResolveReference(ctx, refID)
			if isMissing(err) {
				out.result = appendMissingReference
				return nil
			}
			if err != nil {
				return err
			}
			t = ref.Type
		} else {
			t = in.Create.Type()
		}

		types, err := attributeTypes(ctx, tx, rec.AttributeIDs)
		if err != nil {
			return err
		}
		if _, dup := types[t]; dup {
			out.result = appendDuplicate
			return nil
		}
		if !in.IsReference() {
			if refID, err = s.createAttribute(ctx, tx, *in.Create); err != nil {
				return err
			}
		}
		ids := make([]string, 0, len(rec.AttributeIDs)+1)
		ids = append(append(ids, rec.AttributeIDs...), refID)
		out.updating = true
		s.logger.Debug("appending attribute to unit",
			zap.String("unit_id", unitID),
			zap.String("reference_id", refID),
			zap.Int64("version", rec.Version))
		return tx.UpdateUnitAttributes(ctx, unitID, rec.Version, ids)
	})
	return out, err
}

// attributeTypes resolves the types of the given references, ignoring any that
// no longer resolve.
func attributeTypes(ctx context.Context, view domain.ReferenceReader, referenceIDs []string) (map[domain.AttributeType]struct{}, error) {
	types := make(map[domain.AttributeType]struct{}, len(referenceIDs))
	for _, id := range referenceIDs {
		ref, err := view.ResolveReference(ctx, id)
		if isMissing(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		types[ref.Type] = struct{}{}
	}
	return types, nil
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidType)
}

func (s *Service) logStorageFailure(op string, err error) {
	if errors.Is(err, domain.ErrStorage) || errors.Is(err, domain.ErrConflict) {
		s.logger.Error(op+" failed", zap.Error(err))
	}
}
