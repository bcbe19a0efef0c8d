package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"filler/internal/config"
	"filler/internal/market"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("创建内存数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPendingRepository_SaveLoadClear(t *testing.T) {
	repo, err := NewPendingRepository(newMemoryStore(t))
	if err != nil {
		t.Fatalf("NewPendingRepository returned error: %v", err)
	}
	ctx := context.Background()

	ops := []market.Operation{
		market.NewOpenOrder(market.SideBuy, 100, 5),
		market.NewCancelOrder("0xabc"),
		market.NewOpenOrder(market.SideSell, 101, 6),
	}
	if err := repo.Save(ctx, ops[:2]); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := repo.Save(ctx, ops[2:]); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != len(ops) {
		t.Fatalf("expected %d ops, got %d", len(ops), len(loaded))
	}
	for i := range ops {
		if loaded[i] != ops[i] {
			t.Errorf("op %d mismatch: want %+v, got %+v", i, ops[i], loaded[i])
		}
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	loaded, err = repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty table after Clear, got %d", len(loaded))
	}
}

func TestPendingRepository_SaveEmptyIsNoop(t *testing.T) {
	repo, err := NewPendingRepository(newMemoryStore(t))
	if err != nil {
		t.Fatalf("NewPendingRepository returned error: %v", err)
	}
	if err := repo.Save(context.Background(), nil); err != nil {
		t.Fatalf("Save(nil) returned error: %v", err)
	}
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "filler.db")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 2})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer s.Close()

	if err := s.DB().Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestNewSQLite_BootstrapsPendingTable(t *testing.T) {
	s := newMemoryStore(t)

	var name string
	err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'pending_operations'`).Scan(&name)
	if err != nil {
		t.Fatalf("expected pending_operations table, got error: %v", err)
	}
}

func TestNewSQLite_InMemoryPinsSingleConnection(t *testing.T) {
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 4, MaxIdleConns: 4, ConnMaxLifetime: time.Millisecond})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer s.Close()

	if got := s.DB().Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected in-memory store pinned to 1 connection, got %d", got)
	}

	time.Sleep(5 * time.Millisecond)
	repo, err := NewPendingRepository(s)
	if err != nil {
		t.Fatalf("NewPendingRepository returned error: %v", err)
	}
	if _, err := repo.Load(context.Background()); err != nil {
		t.Fatalf("expected table to survive idle time, got %v", err)
	}
}
