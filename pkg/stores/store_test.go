package stores

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend is one store under test plus a second handle on the same data that
// leases under a different owner.
type backend struct {
	store engine.TransferProcessStore
	other engine.TransferProcessStore
	clock *testClock
}

type backendFactory func(t *testing.T) backend

func memoryBackend(t *testing.T) backend {
	t.Helper()

	clock := newTestClock()
	store := NewMemoryStore(Options{Owner: "owner-a", LeaseDuration: time.Minute, Now: clock.Now})
	return backend{store: store, other: store.ForOwner("owner-b"), clock: clock}
}

func sqliteBackend(t *testing.T) backend {
	t.Helper()

	clock := newTestClock()
	store := setupTestStore(t, Options{Owner: "owner-a", LeaseDuration: time.Minute, Now: clock.Now})
	return backend{store: store, other: store.ForOwner("owner-b"), clock: clock}
}

func postgresBackend(t *testing.T) backend {
	t.Helper()

	dsn := os.Getenv("CONVEYOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVEYOR_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	clock := newTestClock()
	store, err := NewPostgresStore(ctx, PostgresConfig{
		DSN:     dsn,
		Options: Options{Owner: "owner-a", LeaseDuration: time.Minute, Now: clock.Now},
	})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if _, err := store.pool.Exec(ctx, "TRUNCATE transfer_processes"); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	return backend{store: store, other: store.ForOwner("owner-b"), clock: clock}
}

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:", Options: opts})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var backends = map[string]backendFactory{
	"memory":   memoryBackend,
	"sqlite":   sqliteBackend,
	"postgres": postgresBackend,
}

func forEachBackend(t *testing.T, test func(t *testing.T, b backend)) {
	for name, factory := range backends {
		factory := factory
		t.Run(name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func newProcess(id string, state engine.State, now time.Time) *engine.TransferProcess {
	return &engine.TransferProcess{
		ID:                  id,
		Type:                engine.ProcessTypeConsumer,
		State:               state,
		StateTimestamp:      now,
		NextAttemptAt:       now,
		CounterPartyAddress: "http://provider.example.com/protocol",
		Protocol:            "http-json",
		AssetID:             "asset-1",
		ContractID:          "contract-1",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func mustCreate(t *testing.T, s engine.TransferProcessStore, p *engine.TransferProcess) {
	t.Helper()
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create %s: %v", p.ID, err)
	}
}

func ids(processes []*engine.TransferProcess) []string {
	out := make([]string, len(processes))
	for i, p := range processes {
		out[i] = p.ID
	}
	return out
}

func TestCreateAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		p := newProcess("tp-1", engine.StateInitial, b.clock.Now())
		p.CorrelationID = "remote-1"
		p.DataDestination = &engine.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://sink"}}
		mustCreate(t, b.store, p)

		if p.Version != 1 {
			t.Errorf("expected version 1 after create, got %d", p.Version)
		}

		got, err := b.store.FindByID(ctx, "tp-1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.State != engine.StateInitial || got.Version != 1 {
			t.Errorf("unexpected process: state=%s version=%d", got.State, got.Version)
		}
		if got.DataDestination == nil || got.DataDestination.Properties["baseUrl"] != "http://sink" {
			t.Errorf("data destination not persisted: %+v", got.DataDestination)
		}
		if got.LeaseID != "" {
			t.Errorf("FindByID must not return a lease, got %q", got.LeaseID)
		}

		byCorrelation, err := b.store.FindByCorrelationID(ctx, "remote-1")
		if err != nil {
			t.Fatalf("FindByCorrelationID failed: %v", err)
		}
		if byCorrelation.ID != "tp-1" {
			t.Errorf("expected tp-1, got %s", byCorrelation.ID)
		}

		if err := b.store.Create(ctx, newProcess("tp-1", engine.StateInitial, b.clock.Now())); !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
		if _, err := b.store.FindByID(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := b.store.FindByCorrelationID(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("expected ErrNotFound by correlation id, got %v", err)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		if err := b.store.Create(ctx, newProcess("", engine.StateInitial, b.clock.Now())); !engine.IsPermanent(err) {
			t.Errorf("expected permanent error for empty id, got %v", err)
		}

		p := newProcess("tp-bad", engine.StateInitial, b.clock.Now())
		p.Type = "SIDEWAYS"
		if err := b.store.Create(ctx, p); !engine.IsPermanent(err) {
			t.Errorf("expected permanent error for invalid type, got %v", err)
		}
	})
}

func TestLeaseExclusivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		now := b.clock.Now()
		for i, id := range []string{"tp-a", "tp-b", "tp-c"} {
			mustCreate(t, b.store, newProcess(id, engine.StateInitial, now.Add(time.Duration(i)*time.Second)))
		}
		b.clock.Advance(time.Minute / 2)

		filter := engine.StoreFilter{State: engine.StateInitial, DueBy: b.clock.Now()}
		first, err := b.store.NextNotLeased(ctx, 2, filter)
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if got := ids(first); len(got) != 2 || got[0] != "tp-a" || got[1] != "tp-b" {
			t.Fatalf("expected [tp-a tp-b], got %v", got)
		}
		for _, p := range first {
			if p.LeaseID == "" {
				t.Errorf("leased process %s has no lease id", p.ID)
			}
		}

		second, err := b.other.NextNotLeased(ctx, 10, filter)
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if got := ids(second); len(got) != 1 || got[0] != "tp-c" {
			t.Fatalf("expected [tp-c], got %v", got)
		}

		third, err := b.other.NextNotLeased(ctx, 10, filter)
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if len(third) != 0 {
			t.Errorf("expected nothing left to lease, got %v", ids(third))
		}

		// Leases expire after the lease duration.
		b.clock.Advance(2 * time.Minute)
		expired, err := b.other.NextNotLeased(ctx, 10, engine.StoreFilter{State: engine.StateInitial, DueBy: b.clock.Now()})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if len(expired) != 3 {
			t.Errorf("expected expired leases to be taken over, got %v", ids(expired))
		}
	})
}

func TestNextNotLeasedFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		now := b.clock.Now()

		due := newProcess("tp-due", engine.StateProvisioning, now)
		mustCreate(t, b.store, due)

		later := newProcess("tp-later", engine.StateProvisioning, now)
		later.NextAttemptAt = now.Add(time.Hour)
		mustCreate(t, b.store, later)

		pending := newProcess("tp-pending", engine.StateProvisioning, now)
		pending.Pending = true
		mustCreate(t, b.store, pending)

		mustCreate(t, b.store, newProcess("tp-other-state", engine.StateRequesting, now))

		got, err := b.store.NextNotLeased(ctx, 10, engine.StoreFilter{State: engine.StateProvisioning, DueBy: now})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if leased := ids(got); len(leased) != 1 || leased[0] != "tp-due" {
			t.Errorf("expected only tp-due, got %v", leased)
		}

		got, err = b.store.NextNotLeased(ctx, 10, engine.StoreFilter{Pending: true})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if leased := ids(got); len(leased) != 1 || leased[0] != "tp-pending" {
			t.Errorf("expected only tp-pending, got %v", leased)
		}
	})
}

func TestSaveCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		mustCreate(t, b.store, newProcess("tp-1", engine.StateInitial, b.clock.Now()))

		first, err := b.store.FindByID(ctx, "tp-1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		second, err := b.store.FindByID(ctx, "tp-1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}

		first.AssetID = "asset-2"
		if err := b.store.Save(ctx, first); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if first.Version != 2 {
			t.Errorf("expected version 2, got %d", first.Version)
		}

		second.AssetID = "asset-3"
		if err := b.store.Save(ctx, second); !errors.Is(err, engine.ErrConflict) {
			t.Fatalf("expected ErrConflict for stale save, got %v", err)
		}

		stored, err := b.store.FindByID(ctx, "tp-1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if stored.AssetID != "asset-2" || stored.Version != 2 {
			t.Errorf("stale save overwrote data: asset=%s version=%d", stored.AssetID, stored.Version)
		}

		ghost := newProcess("ghost", engine.StateInitial, b.clock.Now())
		ghost.Version = 1
		if err := b.store.Save(ctx, ghost); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("expected ErrNotFound saving an unknown process, got %v", err)
		}
	})
}

func TestSaveBreaksOwnLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		mustCreate(t, b.store, newProcess("tp-1", engine.StateInitial, b.clock.Now()))

		leased, err := b.store.NextNotLeased(ctx, 1, engine.StoreFilter{State: engine.StateInitial})
		if err != nil || len(leased) != 1 {
			t.Fatalf("expected one leased process, got %d (%v)", len(leased), err)
		}
		p := leased[0]

		if err := p.TransitionTo(engine.StateProvisioning, b.clock.Now()); err != nil {
			t.Fatalf("transition failed: %v", err)
		}
		if err := b.store.Save(ctx, p); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if p.LeaseID != "" {
			t.Errorf("expected lease id cleared after save, got %q", p.LeaseID)
		}

		again, err := b.other.NextNotLeased(ctx, 1, engine.StoreFilter{State: engine.StateProvisioning})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if len(again) != 1 {
			t.Errorf("expected saved process to be leasable again, got %v", ids(again))
		}
	})
}

func TestCommandSaveKeepsLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		mustCreate(t, b.store, newProcess("tp-1", engine.StateProvisioning, b.clock.Now()))

		leased, err := b.store.NextNotLeased(ctx, 1, engine.StoreFilter{State: engine.StateProvisioning})
		if err != nil || len(leased) != 1 {
			t.Fatalf("expected one leased process, got %d (%v)", len(leased), err)
		}

		// A command reads and saves without a lease.
		cmd, err := b.store.FindByID(ctx, "tp-1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		cmd.AddProvisionedResource(engine.ProvisionedResource{ID: "res-1", DefinitionID: "def-1", Kind: engine.ResourceKindGeneric})
		if err := b.store.Save(ctx, cmd); err != nil {
			t.Fatalf("command Save failed: %v", err)
		}

		stolen, err := b.other.NextNotLeased(ctx, 1, engine.StoreFilter{State: engine.StateProvisioning})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if len(stolen) != 0 {
			t.Fatalf("command save must not break the engine's lease")
		}

		// The engine's copy is now stale.
		if err := b.store.Save(ctx, leased[0]); !errors.Is(err, engine.ErrConflict) {
			t.Fatalf("expected ErrConflict for leased copy, got %v", err)
		}
		if err := b.store.Release(ctx, leased[0]); err != nil {
			t.Fatalf("Release failed: %v", err)
		}

		after, err := b.other.NextNotLeased(ctx, 1, engine.StoreFilter{State: engine.StateProvisioning})
		if err != nil {
			t.Fatalf("NextNotLeased failed: %v", err)
		}
		if len(after) != 1 || len(after[0].ProvisionedResources) != 1 {
			t.Errorf("expected released process with the command's resource, got %+v", after)
		}
	})
}

func TestListAndCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		now := b.clock.Now()
		mustCreate(t, b.store, newProcess("tp-1", engine.StateInitial, now))
		mustCreate(t, b.store, newProcess("tp-2", engine.StateInitial, now.Add(time.Second)))
		started := newProcess("tp-3", engine.StateStarted, now.Add(2*time.Second))
		started.Type = engine.ProcessTypeProvider
		mustCreate(t, b.store, started)

		all, err := b.store.List(ctx, engine.ListOptions{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := ids(all); len(got) != 3 || got[0] != "tp-1" || got[2] != "tp-3" {
			t.Errorf("expected creation order, got %v", got)
		}

		initial, err := b.store.List(ctx, engine.ListOptions{State: engine.StateInitial, Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := ids(initial); len(got) != 1 || got[0] != "tp-2" {
			t.Errorf("expected [tp-2], got %v", got)
		}

		providers, err := b.store.List(ctx, engine.ListOptions{Type: engine.ProcessTypeProvider})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(providers) != 1 {
			t.Errorf("expected one provider process, got %v", ids(providers))
		}

		counts, err := b.store.CountByState(ctx)
		if err != nil {
			t.Fatalf("CountByState failed: %v", err)
		}
		if counts[engine.StateInitial] != 2 || counts[engine.StateStarted] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestConditionsPlaceholders(t *testing.T) {
	c := &conditions{dollar: true}
	c.add("state = ?", 100)
	c.add("(lease_id IS NULL OR lease_expires_at <= ?)", int64(5))

	want := " WHERE state = $1 AND (lease_id IS NULL OR lease_expires_at <= $2)"
	if got := c.where(); got != want {
		t.Errorf("where() = %q, want %q", got, want)
	}
	if len(c.args) != 2 {
		t.Errorf("expected 2 args, got %d", len(c.args))
	}
}
