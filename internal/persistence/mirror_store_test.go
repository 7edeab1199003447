package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/monitor"
)

type failingStore struct {
	loadErr error
	saveErr error
	saves   int
}

func (f *failingStore) Load(ctx context.Context) (monitor.Snapshot, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return monitor.Snapshot{}, nil
}

func (f *failingStore) Save(ctx context.Context, snap monitor.Snapshot) error {
	f.saves++
	return f.saveErr
}

func TestMirrorStoreWritesAll(t *testing.T) {
	primary, err := NewFileStore(filepath.Join(t.TempDir(), "monitors.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	mirror := NewRedisStore(nil, "", 0, zerolog.Nop())
	store := NewMirrorStore(zerolog.Nop(), primary, mirror)
	ctx := context.Background()

	if err := store.Save(ctx, sampleSnapshot("a")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for name, s := range map[string]monitor.Store{"primary": primary, "mirror": mirror} {
		snap, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("%s Load failed: %v", name, err)
		}
		if _, ok := snap["a"]; !ok {
			t.Errorf("Expected %s to hold the snapshot", name)
		}
	}
}

func TestMirrorStoreIgnoresMirrorFailures(t *testing.T) {
	primary := NewRedisStore(nil, "", 0, zerolog.Nop())
	broken := &failingStore{saveErr: errors.New("connection refused")}
	store := NewMirrorStore(zerolog.Nop(), primary, broken)

	if err := store.Save(context.Background(), sampleSnapshot("a")); err != nil {
		t.Errorf("Mirror failure must not surface, got %v", err)
	}
	if broken.saves != 1 {
		t.Errorf("Expected mirror to be attempted once, got %d", broken.saves)
	}
}

func TestMirrorStorePrimaryFailure(t *testing.T) {
	primary := &failingStore{saveErr: errors.New("disk full")}
	mirror := &failingStore{}
	store := NewMirrorStore(zerolog.Nop(), primary, mirror)

	if err := store.Save(context.Background(), sampleSnapshot("a")); err == nil {
		t.Error("Expected primary failure to surface")
	}
	if mirror.saves != 0 {
		t.Errorf("Mirror must not be written when primary fails, got %d", mirror.saves)
	}
}

func TestMirrorStoreLoadFallsBack(t *testing.T) {
	ctx := context.Background()
	mirror := NewRedisStore(nil, "", 0, zerolog.Nop())
	if err := mirror.Save(ctx, sampleSnapshot("from-mirror")); err != nil {
		t.Fatalf("mirror Save failed: %v", err)
	}

	tests := []struct {
		name    string
		primary monitor.Store
	}{
		{"empty primary", NewRedisStore(nil, "", 0, zerolog.Nop())},
		{"unreadable primary", &failingStore{loadErr: errors.New("corrupt")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMirrorStore(zerolog.Nop(), tt.primary, mirror)
			snap, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if _, ok := snap["from-mirror"]; !ok {
				t.Errorf("Expected mirror snapshot, got %v", snap.IDs())
			}
		})
	}
}

func TestMirrorStoreLoadError(t *testing.T) {
	store := NewMirrorStore(zerolog.Nop(), &failingStore{loadErr: errors.New("corrupt")}, &failingStore{})
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("Expected primary error when no mirror has data")
	}
}

func TestRedisStoreMemoryOnly(t *testing.T) {
	store := NewRedisStore(nil, "", 0, zerolog.Nop())
	ctx := context.Background()

	if store.Available() {
		t.Error("Store without client must not report Redis available")
	}
	snap := sampleSnapshot("a")
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	delete(snap, "a")

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := got["a"]; !ok {
		t.Error("Expected stored snapshot to be independent of the caller's map")
	}
}
