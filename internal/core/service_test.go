package core

import (
	"context"
	"database/sql"
	"errors"
	"expvar"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"unitcore/internal/config"
	"unitcore/internal/infra/persistence/memory"
	"unitcore/internal/infra/persistence/postgres"
	pgtestutil "unitcore/internal/infra/persistence/postgres/testutil"
	"unitcore/pkg/domain"
)

// faultyBackend injects failures into the transactions of a real backend.
type faultyBackend struct {
	domain.Backend
	mu         sync.Mutex
	failPut    error
	failUpdate error
	conflicts  int
	updates    int
}

func (f *faultyBackend) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return f.Backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(&faultyTx{Transaction: tx, b: f})
	})
}

type faultyTx struct {
	domain.Transaction
	b *faultyBackend
}

func (tx *faultyTx) PutAttribute(ctx context.Context, internalID string, rec domain.AttributeCreate) error {
	if tx.b.failPut != nil {
		return tx.b.failPut
	}
	return tx.Transaction.PutAttribute(ctx, internalID, rec)
}

func (tx *faultyTx) UpdateUnitAttributes(ctx context.Context, id string, version int64, ids []string) error {
	tx.b.mu.Lock()
	tx.b.updates++
	conflict := tx.b.conflicts > 0
	if conflict {
		tx.b.conflicts--
	}
	tx.b.mu.Unlock()
	if conflict {
		return domain.ConflictError{UnitID: id}
	}
	if tx.b.failUpdate != nil {
		return tx.b.failUpdate
	}
	return tx.Transaction.UpdateUnitAttributes(ctx, id, version, ids)
}

type recordingMetrics struct {
	mu    sync.Mutex
	calls []string
	last  time.Duration
}

func (r *recordingMetrics) Observe(_ context.Context, op string, success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+resultLabel(success))
	r.last = d
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newFaultyService(t *testing.T, opts ...ServiceOption) (*Service, *faultyBackend) {
	t.Helper()
	fb := &faultyBackend{Backend: memory.NewStore()}
	return NewService(fb, opts...), fb
}

func TestDefaultServiceOptions(t *testing.T) {
	opts := defaultServiceOptions()
	if opts.clock == nil || opts.logger == nil || opts.metrics == nil {
		t.Fatalf("expected defaults populated")
	}
	assert.Equal(t, DefaultFetchConcurrency, opts.fetchConcurrency)
	assert.Equal(t, defaultAppendAttempts, opts.appendAttempts)
	opts.metrics.Observe(context.Background(), "noop", true, 0)

	// Nil and non-positive overrides keep the defaults.
	for _, opt := range []ServiceOption{WithClock(nil), WithLogger(nil), WithMetrics(nil), WithFetchConcurrency(0), WithAppendAttempts(-1)} {
		opt(&opts)
	}
	assert.Equal(t, DefaultFetchConcurrency, opts.fetchConcurrency)
	assert.NotNil(t, opts.clock)
}

func TestAddAttributeReturnsCurrentUnitWhenUpdateFails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	svc, fb := newFaultyService(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	resp := storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput("stable")}})

	fb.failUpdate = domain.StorageError{Op: "update unit", Err: errors.New("disk full")}
	u, err := svc.AddAttributeToUnit(ctx, resp.ID, domain.NewAttributeInput(domain.Price{Price: 3}))
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Len(t, u.Attributes, 1)
	assert.Equal(t, domain.Label{Label: "stable"}, u.Attributes[0].Payload)

	prices, err := svc.ListAttributes(ctx, domain.AttributeFilter{Type: domain.AttributePrice})
	require.NoError(t, err)
	assert.Empty(t, prices, "the attribute created for the failed append must roll back")
	assert.Equal(t, 1, logs.FilterMessage("attribute append failed, returning current unit").Len())
}

func TestAddAttributeAbortsWhenCreationFails(t *testing.T) {
	svc, fb := newFaultyService(t)
	resp := storeUnit(t, svc, domain.UnitCreate{})
	fb.failPut = domain.StorageError{Op: "put attribute", Err: errors.New("disk full")}

	u, err := svc.AddAttributeToUnit(context.Background(), resp.ID, labelInput("lost"))
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.False(t, domain.IsClientError(err))
	assert.Nil(t, u)

	_, err = svc.StoreUnit(context.Background(), domain.UnitCreate{Attributes: []domain.AttributeInput{labelInput("lost")}})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestAddAttributeRetriesVersionConflicts(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		svc, fb := newFaultyService(t)
		resp := storeUnit(t, svc, domain.UnitCreate{})
		fb.conflicts = 2
		u, err := svc.AddAttributeToUnit(context.Background(), resp.ID, labelInput("eventually"))
		require.NoError(t, err)
		require.Len(t, u.Attributes, 1)
		assert.Equal(t, 3, fb.updates)
	})
	t.Run("gives up", func(t *testing.T) {
		svc, fb := newFaultyService(t)
		resp := storeUnit(t, svc, domain.UnitCreate{})
		fb.conflicts = 10
		_, err := svc.AddAttributeToUnit(context.Background(), resp.ID, labelInput("never"))
		require.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, defaultAppendAttempts, fb.updates)
		assert.Zero(t, countLabels(t, svc, "never"))
	})
}

func TestRetypeClaimsHolders(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		svc, fb := newFaultyService(t)
		price := storeAttribute(t, svc, domain.Price{Price: 5})
		storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(price.ID)}})
		fb.conflicts = 1
		got, err := svc.UpdateAttribute(context.Background(), price.ID, domain.NewAttribute(domain.Comment{Comment: "later"}))
		require.NoError(t, err)
		assert.Equal(t, domain.Comment{Comment: "later"}, got.Payload)
		assert.Equal(t, 2, fb.updates)
	})
	t.Run("gives up", func(t *testing.T) {
		svc, fb := newFaultyService(t)
		ctx := context.Background()
		price := storeAttribute(t, svc, domain.Price{Price: 5})
		storeUnit(t, svc, domain.UnitCreate{Attributes: []domain.AttributeInput{domain.ExistingAttribute(price.ID)}})
		fb.conflicts = 10
		_, err := svc.UpdateAttribute(ctx, price.ID, domain.NewAttribute(domain.Comment{Comment: "never"}))
		require.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, defaultAppendAttempts, fb.updates)

		got, err := svc.FetchAttribute(ctx, price.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, price, *got)
	})
}

func TestListAttributesLimitSkipsDanglingReferences(t *testing.T) {
	svc, _ := newFaultyService(t)
	ctx := context.Background()
	require.NoError(t, svc.Backend().RunInTransaction(ctx, func(tx domain.Transaction) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.CreateReference(ctx, domain.AttributeComment, domain.NewID()); err != nil {
				return err
			}
		}
		return nil
	}))
	first := storeAttribute(t, svc, domain.Comment{Comment: "one"})
	second := storeAttribute(t, svc, domain.Comment{Comment: "two"})

	page, err := svc.ListAttributes(ctx, domain.AttributeFilter{Type: domain.AttributeComment, Limit: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Attribute{first, second}, page)

	page, err = svc.ListAttributes(ctx, domain.AttributeFilter{Type: domain.AttributeComment, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestLenientReadsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(memory.NewStore(), WithLogger(zap.New(core)))
	ctx := context.Background()
	var ref string
	require.NoError(t, svc.Backend().RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		ref, err = tx.CreateReference(ctx, domain.AttributeLabel, "gone")
		return err
	}))
	got, err := svc.FetchAttribute(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)

	entries := logs.FilterMessage("attribute reference is dangling").All()
	require.Len(t, entries, 1)
	assert.Equal(t, ref, entries[0].ContextMap()["reference_id"])
	assert.Equal(t, "memory", entries[0].ContextMap()["driver"])
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)
	svc := NewService(memory.NewStore(), WithMetrics(m))
	ctx := context.Background()

	_, err = svc.StoreAttribute(ctx, domain.NewAttribute(domain.Label{Label: "ok"}))
	require.NoError(t, err)
	_, err = svc.StoreAttribute(ctx, domain.NewAttribute(domain.Label{}))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues(opStoreAttribute, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues(opStoreAttribute, "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	_, err = NewPrometheusMetrics(reg)
	require.ErrorContains(t, err, "register metrics")
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	require.NotNil(t, expvar.Get(rec.Name()))
	rec.Observe(context.Background(), opFetchUnit, true, 2*time.Millisecond)
	rec.Observe(context.Background(), opFetchUnit, false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	snap := rec.Snapshot()
	assert.Equal(t, map[string]int64{"success": 1, "error": 1}, snap.Results[opFetchUnit])
	assert.InDelta(t, 3.0, snap.DurationsMS[opFetchUnit], 0.001)
	assert.Len(t, snap.Results, 1)
}

func TestOperationsAreTimedWithTheServiceClock(t *testing.T) {
	metrics := &recordingMetrics{}
	svc := NewService(memory.NewStore(), WithMetrics(metrics), WithClock(&stepClock{}))
	ctx := context.Background()

	resp := storeUnit(t, svc, domain.UnitCreate{})
	_, err := svc.AddAttributeToUnit(ctx, resp.ID, labelInput("timed"))
	require.NoError(t, err)
	_, err = svc.FetchUnit(ctx, resp.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		opStoreUnit + ":success",
		opAddAttributeToUnit + ":success",
		opFetchUnit + ":success",
	}, metrics.calls, "nested fetches are not reported separately")
	assert.Equal(t, time.Second, metrics.last)
}

func TestFetchConcurrencyOfOneResolvesWideTrees(t *testing.T) {
	svc := NewService(memory.NewStore(), WithFetchConcurrency(1))
	children := make([]domain.ChildInput, 0, 5)
	for i := 0; i < 5; i++ {
		children = append(children, domain.NewChild(domain.UnitCreate{
			Children: []domain.ChildInput{domain.NewChild(domain.UnitCreate{})},
		}))
	}
	resp := storeUnit(t, svc, domain.UnitCreate{Children: children})
	u := fetchUnit(t, svc, resp.ID)
	require.Len(t, u.Children, 5)
	for i, c := range u.Children {
		assert.Equal(t, resp.Children[i].ID, c.ID)
		assert.Len(t, c.Children, 1)
	}
}

func TestCancelledContextFailsWrites(t *testing.T) {
	svc := NewService(memory.NewStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.StoreUnit(ctx, domain.UnitCreate{})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	be, err := OpenBackend(ctx, config.StorageConfig{Driver: domain.StorageMemory})
	require.NoError(t, err)
	assert.Equal(t, domain.StorageMemory, be.Driver())

	be, err = OpenBackend(ctx, config.StorageConfig{
		Driver: domain.StorageSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "units.db")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StorageSQLite, be.Driver())
	require.NoError(t, be.Close())

	db, _ := pgtestutil.NewStubDB()
	var gotDSN string
	restore := postgres.OverrideSQLOpen(func(_, dsn string) (*sql.DB, error) {
		gotDSN = dsn
		return db, nil
	})
	defer restore()
	pgCfg := config.Default().Storage
	pgCfg.Driver = domain.StoragePostgres
	pgCfg.Postgres.DSN = "postgres://stub/units"
	be, err = OpenBackend(ctx, pgCfg)
	require.NoError(t, err)
	assert.Equal(t, domain.StoragePostgres, be.Driver())
	assert.Equal(t, "postgres://stub/units", gotDSN)
	require.NoError(t, be.Close())

	_, err = OpenBackend(ctx, config.StorageConfig{Driver: "redis"})
	require.ErrorContains(t, err, "unknown storage driver")
}
