package core

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitcore/internal/infra/persistence/memory"
	"unitcore/internal/infra/persistence/postgres"
	"unitcore/internal/infra/persistence/sqlite"
	"unitcore/pkg/domain"
)

type backendCase struct {
	name string
	open func(t *testing.T) domain.Backend
}

// Every scenario in this file runs unchanged against each backend. Postgres
// joins when UNITCORE_TEST_POSTGRES_DSN points at a scratch database; data is
// never cleaned up there, so assertions only look at rows the test created.
var backendCases = []backendCase{
	{name: "memory", open: func(*testing.T) domain.Backend { return memory.NewStore() }},
	{name: "sqlite", open: func(t *testing.T) domain.Backend {
		s, err := sqlite.NewStore(context.Background(), filepath.Join(t.TempDir(), "units.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
	{name: "postgres", open: func(t *testing.T) domain.Backend {
		dsn := os.Getenv("UNITCORE_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("UNITCORE_TEST_POSTGRES_DSN not set")
		}
		s, err := postgres.NewStore(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
}

func eachBackend(t *testing.T, fn func(t *testing.T, svc *Service), opts ...ServiceOption) {
	t.Helper()
	for _, bc := range backendCases {
		t.Run(bc.name, func(t *testing.T) {
			fn(t, NewService(bc.open(t), opts...))
		})
	}
}

var equateEmpty = cmpopts.EquateEmpty()

func labelInput(s string) domain.AttributeInput {
	return domain.NewAttributeInput(domain.Label{Label: s})
}

func uniqueLabel(prefix string) string { return prefix + "-" + domain.NewID() }

func storeAttribute(t *testing.T, svc *Service, p domain.Payload) domain.Attribute {
	t.Helper()
	a, err := svc.StoreAttribute(context.Background(), domain.NewAttribute(p))
	require.NoError(t, err)
	return a
}

func storeUnit(t *testing.T, svc *Service, in domain.UnitCreate) domain.UnitCreateResponse {
	t.Helper()
	resp, err := svc.StoreUnit(context.Background(), in)
	require.NoError(t, err)
	return resp
}

func fetchUnit(t *testing.T, svc *Service, id string) *domain.Unit {
	t.Helper()
	u, err := svc.FetchUnit(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u, "unit %s", id)
	return u
}

// countLabels reports how many stored labels carry value.
func countLabels(t *testing.T, svc *Service, value string) int {
	t.Helper()
	all, err := svc.ListAttributes(context.Background(), domain.AttributeFilter{Type: domain.AttributeLabel})
	require.NoError(t, err)
	n := 0
	for _, a := range all {
		if a.Payload == (domain.Label{Label: value}) {
			n++
		}
	}
	return n
}

func TestStoreAndFetchAttribute(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		addr := domain.Address{
			Number: "12", Street: "Main Street", City: "Oslo", Zip: "0150", Country: "NO",
			Coordinates: &domain.Coordinates{Latitude: 59.91, Longitude: 10.75},
		}
		stored := storeAttribute(t, svc, addr)
		assert.True(t, domain.IsID(stored.ID))

		got, err := svc.FetchAttribute(ctx, stored.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, cmp.Diff(stored, *got))

		missing, err := svc.FetchAttribute(ctx, domain.NewID())
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = svc.StoreAttribute(ctx, domain.NewAttribute(domain.Label{}))
		require.ErrorIs(t, err, domain.ErrValidation)
		_, err = svc.StoreAttribute(ctx, domain.AttributeCreate{})
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestStoreUnitTreeRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		price := storeAttribute(t, svc, domain.Price{Price: 99.5})
		existing := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput("existing child")}})

		resp := storeUnit(t, svc, domain.UnitCreate{
			Attributes: []domain.AttributeInput{labelInput("root"), domain.ExistingAttribute(price.ID)},
			Children: []domain.ChildInput{
				domain.NewChild(domain.UnitCreate{
					Attributes: []domain.AttributeInput{domain.NewAttributeInput(domain.Comment{Comment: "nested"})},
					Children:   []domain.ChildInput{domain.NewChild(domain.UnitCreate{})},
				}),
				domain.ExistingChild(existing.ID),
			},
		})

		require.Len(t, resp.AttributeIDs, 2)
		assert.Equal(t, price.ID, resp.AttributeIDs[1])
		require.Len(t, resp.Children, 2)
		nested := resp.Children[0].Created
		require.NotNil(t, nested)
		require.Len(t, nested.Children, 1)
		grandchild := nested.Children[0].Created
		require.NotNil(t, grandchild)
		assert.Equal(t, domain.ChildResult{ID: existing.ID}, resp.Children[1])

		want := &domain.Unit{
			ID: resp.ID,
			Attributes: []domain.Attribute{
				{ID: resp.AttributeIDs[0], Payload: domain.Label{Label: "root"}},
				price,
			},
			Children: []domain.Unit{
				{
					ID:         nested.ID,
					Attributes: []domain.Attribute{{ID: nested.AttributeIDs[0], Payload: domain.Comment{Comment: "nested"}}},
					Children:   []domain.Unit{{ID: grandchild.ID}},
				},
				{
					ID:         existing.ID,
					Attributes: []domain.Attribute{{ID: existing.AttributeIDs[0], Payload: domain.Label{Label: "existing child"}}},
				},
			},
		}
		assert.Empty(t, cmp.Diff(want, fetchUnit(t, svc, resp.ID), equateEmpty))

		missing, err := svc.FetchUnit(context.Background(), domain.NewID())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestStoreUnitRejectsAndRollsBack(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		existingLabel := storeAttribute(t, svc, domain.Label{Label: "taken"})
		child := storeUnit(t, svc, domain.UnitCreate{})

		tests := []struct {
			name string
			in   func(marker string) domain.UnitCreate
			want error
		}{
			{"duplicate new types", func(m string) domain.UnitCreate {
				return domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput(m), labelInput("second")}}
			}, domain.ErrDuplicateType},
			{"duplicate type via reference", func(m string) domain.UnitCreate {
				return domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(existingLabel.ID), labelInput(m)}}
			}, domain.ErrDuplicateType},
			{"unknown attribute reference", func(m string) domain.UnitCreate {
				return domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput(m), domain.ExistingAttribute(domain.NewID())}}
			}, domain.ErrNotFound},
			{"unknown child", func(m string) domain.UnitCreate {
				return domain.UnitCreate{
					Attributes: []domain.AttributeInput{labelInput(m)},
					Children:   []domain.ChildInput{domain.ExistingChild(domain.NewID())},
				}
			}, domain.ErrNotFound},
			{"same child twice", func(m string) domain.UnitCreate {
				return domain.UnitCreate{Children: []domain.ChildInput{
					domain.NewChild(domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput(m)}}),
					domain.ExistingChild(child.ID),
					domain.ExistingChild(child.ID),
				}}
			}, domain.ErrDuplicateChild},
			{"invalid nested attribute", func(m string) domain.UnitCreate {
				return domain.UnitCreate{
					Attributes: []domain.AttributeInput{labelInput(m)},
					Children: []domain.ChildInput{domain.NewChild(domain.UnitCreate{
						Attributes: []domain.AttributeInput{domain.NewAttributeInput(domain.Comment{})},
					})},
				}
			}, domain.ErrValidation},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				marker := uniqueLabel("rollback")
				_, err := svc.StoreUnit(context.Background(), tt.in(marker))
				require.ErrorIs(t, err, tt.want)
				assert.True(t, domain.IsClientError(err))
				assert.Zero(t, countLabels(t, svc, marker), "no attribute may survive a rejected tree")
			})
		}
	})
}

func TestAddAttributeToUnit(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		resp := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput("base")}})

		u, err := svc.AddAttributeToUnit(ctx, resp.ID, domain.NewAttributeInput(domain.Price{Price: 10}))
		require.NoError(t, err)
		require.NotNil(t, u)
		require.Len(t, u.Attributes, 2)
		assert.Equal(t, domain.Label{Label: "base"}, u.Attributes[0].Payload)
		assert.Equal(t, domain.Price{Price: 10}, u.Attributes[1].Payload)

		comment := storeAttribute(t, svc, domain.Comment{Comment: "shared"})
		u, err = svc.AddAttributeToUnit(ctx, resp.ID, domain.ExistingAttribute(comment.ID))
		require.NoError(t, err)
		require.Len(t, u.Attributes, 3)
		assert.Equal(t, comment, u.Attributes[2])

		before := fetchUnit(t, svc, resp.ID)
		u, err = svc.AddAttributeToUnit(ctx, resp.ID, domain.NewAttributeInput(domain.Price{Price: 5}))
		require.NoError(t, err)
		require.NotNil(t, u)
		require.Equal(t, before, u, "a second price must leave the unit untouched")

		marker := uniqueLabel("dup")
		u, err = svc.AddAttributeToUnit(ctx, resp.ID, labelInput(marker))
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Len(t, u.Attributes, 3)
		assert.Zero(t, countLabels(t, svc, marker), "a rejected duplicate must not create an attribute")

		recs, err := svc.FindUnits(ctx, domain.UnitQuery{AttributeID: comment.ID})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.EqualValues(t, 3, recs[0].Version)

		u, err = svc.AddAttributeToUnit(ctx, domain.NewID(), labelInput("orphan"))
		require.NoError(t, err)
		assert.Nil(t, u)
		u, err = svc.AddAttributeToUnit(ctx, resp.ID, domain.ExistingAttribute(domain.NewID()))
		require.NoError(t, err)
		assert.Nil(t, u)

		_, err = svc.AddAttributeToUnit(ctx, resp.ID, domain.NewAttributeInput(domain.Label{}))
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestUpdateAttributeIsVisibleThroughEveryUnit(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		price := storeAttribute(t, svc, domain.Price{Price: 5})
		a := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(price.ID), labelInput("a")}})
		b := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(price.ID)}})

		updated, err := svc.UpdateAttribute(ctx, price.ID, domain.NewAttribute(domain.Price{Price: 7.5}))
		require.NoError(t, err)
		assert.Equal(t, domain.Attribute{ID: price.ID, Payload: domain.Price{Price: 7.5}}, updated)
		for _, id := range []string{a.ID, b.ID} {
			got, ok := fetchUnit(t, svc, id).Attribute(domain.AttributePrice)
			require.True(t, ok)
			assert.Equal(t, updated, got)
		}

		_, err = svc.UpdateAttribute(ctx, price.ID, domain.NewAttribute(domain.Label{Label: "clash"}))
		var dup domain.DuplicateTypeError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, a.ID, dup.UnitID)

		// Unit a keeps its label, so only a retype that does not clash succeeds.
		oldRef, err := svc.Backend().Reader().ResolveReference(ctx, price.ID)
		require.NoError(t, err)
		retyped, err := svc.UpdateAttribute(ctx, price.ID, domain.NewAttribute(domain.Comment{Comment: "now a comment"}))
		require.NoError(t, err)
		_, err = svc.Backend().Reader().GetAttribute(ctx, oldRef.Type, oldRef.InternalID)
		require.ErrorIs(t, err, domain.ErrNotFound, "the replaced record must be removed")
		holders, err := svc.FindUnits(ctx, domain.UnitQuery{AttributeID: price.ID})
		require.NoError(t, err)
		require.Len(t, holders, 2)
		for _, h := range holders {
			assert.EqualValues(t, 2, h.Version, "a retype claims every holder %s", h.ID)
		}
		got, err := svc.FetchAttribute(ctx, price.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, retyped, *got)
		assert.Equal(t, []domain.Attribute{retyped}, fetchUnit(t, svc, b.ID).Attributes)

		_, err = svc.UpdateAttribute(ctx, domain.NewID(), domain.NewAttribute(domain.Label{Label: "x"}))
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = svc.UpdateAttribute(ctx, price.ID, domain.NewAttribute(domain.Comment{}))
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestListAttributes(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		marker := uniqueLabel("list")
		var ids []string
		for i := 0; i < 3; i++ {
			ids = append(ids, storeAttribute(t, svc, domain.Label{Label: marker}).ID)
		}
		storeAttribute(t, svc, domain.Price{Price: 1})

		labels, err := svc.ListAttributes(ctx, domain.AttributeFilter{Type: domain.AttributeLabel})
		require.NoError(t, err)
		assert.True(t, sort.SliceIsSorted(labels, func(i, j int) bool { return labels[i].ID < labels[j].ID }))
		got := make([]string, 0, len(labels))
		for _, a := range labels {
			assert.Equal(t, domain.AttributeLabel, a.Type())
			got = append(got, a.ID)
		}
		assert.Subset(t, got, ids)

		limited, err := svc.ListAttributes(ctx, domain.AttributeFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		_, err = svc.ListAttributes(ctx, domain.AttributeFilter{Type: "colour"})
		require.ErrorIs(t, err, domain.ErrInvalidType)
		_, err = svc.ListAttributes(ctx, domain.AttributeFilter{Limit: -1})
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestFindUnits(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		shared := storeAttribute(t, svc, domain.Comment{Comment: "find me"})
		child := storeUnit(t, svc, domain.UnitCreate{})
		p1 := storeUnit(t, svc, domain.UnitCreate{
			Attributes: []domain.AttributeInput{domain.ExistingAttribute(shared.ID)},
			Children:   []domain.ChildInput{domain.ExistingChild(child.ID)},
		})
		p2 := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(shared.ID)}})

		byAttr, err := svc.FindUnits(ctx, domain.UnitQuery{AttributeID: shared.ID})
		require.NoError(t, err)
		want := []string{p1.ID, p2.ID}
		sort.Strings(want)
		require.Len(t, byAttr, 2)
		assert.Equal(t, want, []string{byAttr[0].ID, byAttr[1].ID})

		byChild, err := svc.FindUnits(ctx, domain.UnitQuery{ChildID: child.ID})
		require.NoError(t, err)
		assert.Equal(t, []domain.UnitRecord{{
			ID: p1.ID, AttributeIDs: []string{shared.ID}, ChildIDs: []string{child.ID}, Version: 1,
		}}, byChild)

		both, err := svc.FindUnits(ctx, domain.UnitQuery{AttributeID: shared.ID, ChildID: child.ID})
		require.NoError(t, err)
		require.Len(t, both, 1)
		assert.Equal(t, p1.ID, both[0].ID)

		limited, err := svc.FindUnits(ctx, domain.UnitQuery{AttributeID: shared.ID, Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, want[0], limited[0].ID)

		_, err = svc.FindUnits(ctx, domain.UnitQuery{Limit: -1})
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestFetchUnitDropsDanglingEntriesAndCycles(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		kept := storeAttribute(t, svc, domain.Label{Label: "kept"})
		a, b := domain.NewID(), domain.NewID()
		var dangling string
		require.NoError(t, svc.Backend().RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			if dangling, err = tx.CreateReference(ctx, domain.AttributePrice, domain.NewID()); err != nil {
				return err
			}
			if err := tx.PutUnit(ctx, domain.UnitRecord{
				ID:           a,
				AttributeIDs: []string{dangling, domain.NewID(), kept.ID},
				ChildIDs:     []string{domain.NewID(), b},
			}); err != nil {
				return err
			}
			return tx.PutUnit(ctx, domain.UnitRecord{ID: b, ChildIDs: []string{a}})
		}))

		want := &domain.Unit{
			ID:         a,
			Attributes: []domain.Attribute{kept},
			Children:   []domain.Unit{{ID: b}},
		}
		assert.Empty(t, cmp.Diff(want, fetchUnit(t, svc, a), equateEmpty))

		got, err := svc.FetchAttribute(ctx, dangling)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestConcurrentAppendsKeepOneAttributePerType(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		resp := storeUnit(t, svc, domain.UnitCreate{})
		inputs := []domain.AttributeInput{
			labelInput("one"),
			labelInput("two"),
			domain.NewAttributeInput(domain.Price{Price: 1}),
			domain.NewAttributeInput(domain.Price{Price: 2}),
			domain.NewAttributeInput(domain.Comment{Comment: "c"}),
			domain.NewAttributeInput(domain.Address{Street: "s", City: "c", Zip: "z", Country: "NO"}),
		}
		var wg sync.WaitGroup
		errs := make(chan error, len(inputs))
		for _, in := range inputs {
			in := in
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.AddAttributeToUnit(ctx, resp.ID, in)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		u := fetchUnit(t, svc, resp.ID)
		assert.Len(t, u.Attributes, len(domain.AttributeTypes))
		seen := map[domain.AttributeType]bool{}
		for _, a := range u.Attributes {
			assert.False(t, seen[a.Type()], "type %s appears twice", a.Type())
			seen[a.Type()] = true
		}
	}, WithAppendAttempts(50))
}
