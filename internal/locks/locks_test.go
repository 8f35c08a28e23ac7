package locks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	leases []Lease
}

func (m *memoryStore) Load(_ context.Context) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lease, len(m.leases))
	copy(out, m.leases)
	return out, nil
}

func (m *memoryStore) Save(_ context.Context, leases []Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = make([]Lease, len(leases))
	copy(m.leases, leases)
	return nil
}

func TestAcquireConflictReleaseFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, err := NewManager(&memoryStore{}, ManagerConfig{ExpiryTimeout: 10 * time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := mgr.Acquire(ctx, "Bentley.Connect.Client.exe", "attempt-1"); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	holder, ok, err := mgr.Holder(ctx, "bentley.connect.client.exe")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if !ok || holder.AttemptID != "attempt-1" {
		t.Fatalf("holder = %+v ok=%t, want attempt-1", holder, ok)
	}

	err = mgr.Acquire(ctx, "BENTLEY.CONNECT.CLIENT.EXE", "attempt-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("acquire conflict err = %v, want ErrConflict", err)
	}

	if err := mgr.Release(ctx, "Bentley.Connect.Client.exe", "attempt-1"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	if _, ok, _ := mgr.Holder(ctx, "Bentley.Connect.Client.exe"); ok {
		t.Fatal("lease still held after release")
	}
	if err := mgr.Acquire(ctx, "Bentley.Connect.Client.exe", "attempt-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSameAttemptRefreshesLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, err := NewManager(&memoryStore{}, ManagerConfig{ExpiryTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t0 := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return t0 }
	if err := mgr.Acquire(ctx, "client.exe", "attempt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mgr.now = func() time.Time { return t0.Add(30 * time.Second) }
	if err := mgr.Acquire(ctx, "client.exe", "attempt-1"); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	holder, _, err := mgr.Holder(ctx, "client.exe")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if want := t0.Add(90 * time.Second); !holder.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %s, want %s", holder.ExpiresAt, want)
	}
}

func TestReleaseByOtherAttemptKeepsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, err := NewManager(&memoryStore{}, ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Acquire(ctx, "client.exe", "attempt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Release(ctx, "client.exe", "attempt-2"); err != nil {
		t.Fatalf("release by stranger: %v", err)
	}
	if _, ok, _ := mgr.Holder(ctx, "client.exe"); !ok {
		t.Fatal("lease dropped by non-owner release")
	}
}

func TestLeaseExpiryAndConfigurableTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, err := NewManager(&memoryStore{}, ManagerConfig{ExpiryTimeout: time.Second})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	t0 := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return t0 }
	if err := mgr.Acquire(ctx, "client.exe", "attempt-1"); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	mgr.now = func() time.Time { return t0.Add(2 * time.Second) }
	if err := mgr.Acquire(ctx, "client.exe", "attempt-2"); err != nil {
		t.Fatalf("expired lease should not conflict: %v", err)
	}
}

func TestDefaultExpiry(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(&memoryStore{}, ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.expiryTimeout != DefaultExpiryTimeout {
		t.Fatalf("expiry = %s, want %s", mgr.expiryTimeout, DefaultExpiryTimeout)
	}
}

func TestAcquireValidatesInput(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(&memoryStore{}, ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Acquire(context.Background(), " ", "attempt-1"); err == nil {
		t.Fatal("expected error for empty client key")
	}
	if err := mgr.Acquire(context.Background(), "client.exe", ""); err == nil {
		t.Fatal("expected error for empty attempt id")
	}
	if _, err := NewManager(nil, ManagerConfig{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestFileStorePersistsAcrossManagers(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "locks")
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded = %d, want 0", len(loaded))
	}

	mgr1, err := NewManager(store, ManagerConfig{ExpiryTimeout: 5 * time.Minute})
	if err != nil {
		t.Fatalf("new manager1: %v", err)
	}
	if err := mgr1.Acquire(context.Background(), "client.exe", "attempt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	mgr2, err := NewManager(reopened, ManagerConfig{ExpiryTimeout: 5 * time.Minute})
	if err != nil {
		t.Fatalf("new manager2: %v", err)
	}
	err = mgr2.Acquire(context.Background(), "client.exe", "attempt-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("acquire across managers err = %v, want ErrConflict", err)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat lease file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("lease file is empty")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, leaseFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAttemptLockerAcquireRelease(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(&memoryStore{}, ManagerConfig{ExpiryTimeout: 5 * time.Minute})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	locker, err := NewAttemptLocker(mgr)
	if err != nil {
		t.Fatalf("new attempt locker: %v", err)
	}

	release, err := locker.Acquire(context.Background(), "client.exe", "attempt-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if release == nil {
		t.Fatal("release closure should not be nil")
	}
	if _, err := locker.Acquire(context.Background(), "client.exe", "attempt-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second acquire err = %v, want ErrConflict", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := mgr.Holder(context.Background(), "client.exe"); ok {
		t.Fatal("lease still held after release closure")
	}
}
