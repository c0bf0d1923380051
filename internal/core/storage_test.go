package core

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"chemlab/pkg/domain"
)

func TestOpenResultStoreDrivers(t *testing.T) {
	ctx := context.Background()
	store, err := OpenResultStore(ctx, StorageOptions{Driver: StorageMemory})
	if err != nil || store == nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, err := OpenResultStore(ctx, StorageOptions{Driver: "bogus"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}

	path := filepath.Join(t.TempDir(), "results.db")
	store, err = OpenResultStore(ctx, StorageOptions{SQLitePath: path})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	closer, ok := store.(io.Closer)
	if !ok {
		t.Fatalf("sqlite store should be closable")
	}
	defer closer.Close()

	svc := NewService(testCatalog(t), store, WithClock(newStubClock()), WithRandSource(fixedRand{v: 0.5}))
	m, err := svc.CreateMeasurement(ctx, "scale")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	takeAll(t, svc, m.ID, 4, 6)
	if _, err := svc.CompleteMeasurement(ctx, m.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stats, ok := store.GetMeasurement(m.ID)
	if !ok || stats.Mean != 5 {
		t.Fatalf("expected persisted mean 5, got %+v", stats)
	}
}

func TestStorageOptionsFromEnv(t *testing.T) {
	t.Setenv("CHEMLAB_STORAGE_DRIVER", "postgres")
	t.Setenv("CHEMLAB_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("CHEMLAB_POSTGRES_DSN", "postgres://lab")
	opts := StorageOptionsFromEnv()
	if opts.Driver != StoragePostgres || opts.SQLitePath != "/tmp/x.db" || opts.PostgresDSN != "postgres://lab" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

type failingStore struct {
	domain.ResultStore
}

func (failingStore) SaveReaction(context.Context, domain.ReactionResult) error {
	return io.ErrShortWrite
}

func TestFailedSaveLeavesInstanceActive(t *testing.T) {
	svc := NewService(testCatalog(t), failingStore{}, WithClock(newStubClock()))
	ctx := context.Background()
	id := startedReaction(t, svc, "zero")
	for i := 0; i < 10; i++ {
		if _, err := svc.TickReaction(ctx, id, 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if _, err := svc.CompleteReaction(ctx, id, false); err != io.ErrShortWrite {
		t.Fatalf("expected store error, got %v", err)
	}
	inst, _ := svc.GetReaction(id)
	if inst.Status != domain.ReactionInProgress {
		t.Fatalf("failed save must not complete the reaction, got %s", inst.Status)
	}
}
