package core

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unitcore/pkg/domain"
)

// StoreUnit persists a unit tree in one transaction. New attributes and
// children are written before the unit that lists them; existing ids must
// resolve. Any failure rolls the whole tree back.
func (s *Service) StoreUnit(ctx context.Context, in domain.UnitCreate) (_ domain.UnitCreateResponse, err error) {
	defer s.track(ctx, opStoreUnit)(&err)
	var resp domain.UnitCreateResponse
	err = s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		resp, err = s.storeTree(ctx, tx, in)
		return err
	})
	if err != nil {
		s.logStorageFailure("store unit", err)
		return domain.UnitCreateResponse{}, err
	}
	return resp, nil
}

func (s *Service) storeTree(ctx context.Context, tx domain.Transaction, in domain.UnitCreate) (domain.UnitCreateResponse, error) {
	seenTypes := make(map[domain.AttributeType]struct{}, len(in.Attributes))
	attributeIDs := make([]string, 0, len(in.Attributes))
	for _, a := range in.Attributes {
		var (
			t     domain.AttributeType
			refID string
		)
		if a.IsReference() {
			ref, err := tx.ResolveReference(ctx, a.ReferenceID)
			if err != nil {
				return domain.UnitCreateResponse{}, err
			}
			t, refID = ref.Type, ref.ID
		} else {
			if err := a.Create.Validate(); err != nil {
				return domain.UnitCreateResponse{}, err
			}
			t = a.Create.Type()
		}
		if _, dup := seenTypes[t]; dup {
			return domain.UnitCreateResponse{}, domain.DuplicateTypeError{Type: t}
		}
		seenTypes[t] = struct{}{}
		if !a.IsReference() {
			var err error
			if refID, err = s.createAttribute(ctx, tx, *a.Create); err != nil {
				return domain.UnitCreateResponse{}, err
			}
		}
		attributeIDs = append(attributeIDs, refID)
	}

	seenChildren := make(map[string]struct{}, len(in.Children))
	children := make([]domain.ChildResult, 0, len(in.Children))
	childIDs := make([]string, 0, len(in.Children))
	for _, c := range in.Children {
		if c.IsReference() {
			if _, dup := seenChildren[c.UnitID]; dup {
				return domain.UnitCreateResponse{}, domain.DuplicateChildError{ChildID: c.UnitID}
			}
			seenChildren[c.UnitID] = struct{}{}
			if _, err := tx.GetUnit(ctx, c.UnitID); err != nil {
				return domain.UnitCreateResponse{}, err
			}
			children = append(children, domain.ChildResult{ID: c.UnitID})
			childIDs = append(childIDs, c.UnitID)
			continue
		}
		created, err := s.storeTree(ctx, tx, *c.Create)
		if err != nil {
			return domain.UnitCreateResponse{}, err
		}
		children = append(children, domain.ChildResult{ID: created.ID, Created: &created})
		childIDs = append(childIDs, created.ID)
	}

	id := domain.NewID()
	s.logger.Debug("storing unit",
		zap.String("unit_id", id),
		zap.Int("attributes", len(attributeIDs)),
		zap.Int("children", len(childIDs)))
	if err := tx.PutUnit(ctx, domain.UnitRecord{ID: id, AttributeIDs: attributeIDs, ChildIDs: childIDs}); err != nil {
		return domain.UnitCreateResponse{}, err
	}
	return domain.UnitCreateResponse{ID: id, AttributeIDs: attributeIDs, Children: children}, nil
}

// FetchUnit resolves a unit and its subtree. It returns nil when the unit does
// not exist. Sub-entities that no longer resolve are dropped, as is any child
// that would recurse into one of its own ancestors.
func (s *Service) FetchUnit(ctx context.Context, unitID string) (_ *domain.Unit, err error) {
	defer s.track(ctx, opFetchUnit)(&err)
	return s.fetchUnit(ctx, unitID)
}

func (s *Service) fetchUnit(ctx context.Context, unitID string) (*domain.Unit, error) {
	view := s.backend.Reader()
	rec, err := view.GetUnit(ctx, unitID)
	if isMissing(err) {
		s.logger.Debug("unit not found", zap.String("unit_id", unitID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u, err := s.resolveTree(ctx, view, rec, nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) resolveTree(ctx context.Context, view domain.TransactionView, rec domain.UnitRecord, ancestors map[string]struct{}) (domain.Unit, error) {
	path := make(map[string]struct{}, len(ancestors)+1)
	for id := range ancestors {
		path[id] = struct{}{}
	}
	path[rec.ID] = struct{}{}

	attrs := make([]*domain.Attribute, len(rec.AttributeIDs))
	children := make([]*domain.Unit, len(rec.ChildIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for i, refID := range rec.AttributeIDs {
		i, refID := i, refID
		g.Go(func() error {
			a, err := s.resolveAttribute(gctx, view, refID)
			attrs[i] = a
			return err
		})
	}
	for i, childID := range rec.ChildIDs {
		i, childID := i, childID
		if _, cyclic := path[childID]; cyclic {
			s.logger.Warn("dropping child that is its own ancestor",
				zap.String("unit_id", rec.ID), zap.String("child_id", childID))
			continue
		}
		g.Go(func() error {
			child, err := view.GetUnit(gctx, childID)
			if isMissing(err) {
				s.logger.Warn("dropping missing child unit",
					zap.String("unit_id", rec.ID), zap.String("child_id", childID))
				return nil
			}
			if err != nil {
				return err
			}
			resolved, err := s.resolveTree(gctx, view, child, path)
			if err != nil {
				return err
			}
			children[i] = &resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Unit{}, err
	}

	u := domain.Unit{
		ID:         rec.ID,
		Attributes: make([]domain.Attribute, 0, len(attrs)),
		Children:   make([]domain.Unit, 0, len(children)),
	}
	for _, a := range attrs {
		if a != nil {
			u.Attributes = append(u.Attributes, *a)
		}
	}
	for _, c := range children {
		if c != nil {
			u.Children = append(u.Children, *c)
		}
	}
	return u, nil
}
