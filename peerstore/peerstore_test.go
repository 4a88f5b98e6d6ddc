package peerstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertAndListByInfoHash(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "peers.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Unix(1000, 0)
	if err := s.Upsert("aabb", "peer-1", "10.0.0.1", 6881, false, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert("aabb", "peer-2", "10.0.0.2", 6882, true, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert("ccdd", "peer-3", "10.0.0.3", 6883, false, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := s.ListByInfoHash("aabb")
	if err != nil {
		t.Fatalf("ListByInfoHash: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestUpsertRefreshesExistingRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "peers.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	t0 := time.Unix(1000, 0)
	t1 := time.Unix(2000, 0)

	s.Upsert("aabb", "peer-1", "10.0.0.1", 6881, false, t0)
	s.Upsert("aabb", "peer-1", "10.0.0.1", 6881, true, t1)

	rows, err := s.ListByInfoHash("aabb")
	if err != nil {
		t.Fatalf("ListByInfoHash: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (refreshed, not duplicated)", len(rows))
	}
	if !rows[0].IsSeeder || rows[0].SeenAt != 2000 {
		t.Errorf("row = %+v, want refreshed seeder/seen_at", rows[0])
	}
}
