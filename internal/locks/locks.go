// Package locks keeps two authentication attempts from driving the same
// desktop client at once. Each attempt holds a time-boxed lease keyed by the
// client's executable name; leases are persisted so separate connectauth
// invocations see each other.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultExpiryTimeout is the default lease duration when no config override is provided.
	DefaultExpiryTimeout = 2 * time.Minute

	leaseFileName = "leases.json"
)

var (
	// ErrConflict indicates another live attempt already holds the client lease.
	ErrConflict = errors.New("client lease conflict")
)

// Lease records one attempt's exclusive claim on a client.
type Lease struct {
	ClientKey  string    `json:"clientKey"`
	AttemptID  string    `json:"attemptId"`
	OwnerPID   int       `json:"ownerPid"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ManagerConfig controls lease manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) ([]Lease, error)
	Save(ctx context.Context, leases []Lease) error
}

// Manager manages lease acquisition, conflict checks, and release.
type Manager struct {
	mu            sync.Mutex
	store         Store
	now           func() time.Time
	pid           func() int
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager with the configured expiry timeout.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		pid:           os.Getpid,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// Acquire claims clientKey for attemptID. Re-acquiring by the same attempt
// refreshes the lease.
func (m *Manager) Acquire(ctx context.Context, clientKey, attemptID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	clientKey = NormalizeKey(clientKey)
	attemptID = strings.TrimSpace(attemptID)
	if clientKey == "" {
		return errors.New("client key must not be empty")
	}
	if attemptID == "" {
		return errors.New("attempt id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}

	now := m.now().UTC()
	leases = onlyActiveLeases(leases, now)
	if holder, ok := findLease(leases, clientKey); ok && holder.AttemptID != attemptID {
		return fmt.Errorf("%w: client=%s held by attempt=%s until %s",
			ErrConflict, clientKey, holder.AttemptID, holder.ExpiresAt.Format(time.RFC3339))
	}

	leases = withoutClient(leases, clientKey)
	leases = append(leases, Lease{
		ClientKey:  clientKey,
		AttemptID:  attemptID,
		OwnerPID:   m.pid(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	})

	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Release drops the lease on clientKey if attemptID holds it.
func (m *Manager) Release(ctx context.Context, clientKey, attemptID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	clientKey = NormalizeKey(clientKey)
	attemptID = strings.TrimSpace(attemptID)
	if clientKey == "" {
		return errors.New("client key must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	leases = onlyActiveLeases(leases, m.now().UTC())
	if holder, ok := findLease(leases, clientKey); !ok || holder.AttemptID != attemptID {
		return nil
	}
	if err := m.store.Save(ctx, withoutClient(leases, clientKey)); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Holder returns the live lease on clientKey, if any.
func (m *Manager) Holder(ctx context.Context, clientKey string) (Lease, bool, error) {
	if m == nil {
		return Lease{}, false, errors.New("manager is nil")
	}
	clientKey = NormalizeKey(clientKey)
	if clientKey == "" {
		return Lease{}, false, errors.New("client key must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return Lease{}, false, fmt.Errorf("load leases: %w", err)
	}
	lease, ok := findLease(onlyActiveLeases(leases, m.now().UTC()), clientKey)
	return lease, ok, nil
}

// NormalizeKey maps an executable name to its lease key.
func NormalizeKey(clientKey string) string {
	return strings.ToLower(strings.TrimSpace(clientKey))
}

func findLease(leases []Lease, clientKey string) (Lease, bool) {
	for _, lease := range leases {
		if NormalizeKey(lease.ClientKey) == clientKey {
			return lease, true
		}
	}
	return Lease{}, false
}

func onlyActiveLeases(leases []Lease, now time.Time) []Lease {
	active := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if lease.ExpiresAt.IsZero() || lease.ExpiresAt.After(now) {
			active = append(active, lease)
		}
	}
	return active
}

func withoutClient(leases []Lease, clientKey string) []Lease {
	filtered := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if NormalizeKey(lease.ClientKey) == clientKey {
			continue
		}
		filtered = append(filtered, lease)
	}
	return filtered
}

// AttemptLocker adapts Manager to the release-closure shape used by the
// authenticator.
type AttemptLocker struct {
	manager *Manager
}

// NewAttemptLocker constructs an attempt locker.
func NewAttemptLocker(manager *Manager) (*AttemptLocker, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	return &AttemptLocker{manager: manager}, nil
}

// Acquire claims the client and returns a release closure.
func (l *AttemptLocker) Acquire(ctx context.Context, clientKey, attemptID string) (func() error, error) {
	if l == nil || l.manager == nil {
		return nil, errors.New("attempt locker is not initialized")
	}
	if err := l.manager.Acquire(ctx, clientKey, attemptID); err != nil {
		return nil, err
	}
	return func() error {
		return l.manager.Release(context.Background(), clientKey, attemptID)
	}, nil
}

// FileStore persists leases as a JSON array in one file.
type FileStore struct {
	path string
}

// DefaultDir returns ~/.connectauth/locks.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, ".connectauth", "locks"), nil
}

// NewFileStore constructs a store writing leases.json under dir.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lease directory must not be empty")
	}
	return &FileStore{path: filepath.Join(dir, leaseFileName)}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load reads leases from disk. A missing file means no leases.
func (s *FileStore) Load(_ context.Context) ([]Lease, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	payload, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Lease{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(payload)) == "" {
		return []Lease{}, nil
	}
	var leases []Lease
	if err := json.Unmarshal(payload, &leases); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return leases, nil
}

// Save replaces the lease file atomically.
func (s *FileStore) Save(_ context.Context, leases []Lease) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	if leases == nil {
		leases = []Lease{}
	}
	payload, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal leases: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), leaseFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp lease file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp lease file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp lease file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
