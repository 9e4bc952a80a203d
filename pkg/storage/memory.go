package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/askuuz/askuuz/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// MemoryProvider keeps everything in memory, optionally seeded with accounts
// from a YAML file. It's meant for single-user local deployments where the
// accounts are configured by hand.
type MemoryProvider struct {
	accountsFile string

	mu        sync.RWMutex
	accounts  map[string]types.Account
	snapshots map[string][]types.Snapshot
}

func configuredMemory() *MemoryProvider {
	accountsFile := lflag.String("accounts-file", "", "YAML file with accounts to load into memory storage")

	m := NewMemory()
	lflag.Do(func() {
		m.accountsFile = *accountsFile
	})
	return m
}

// NewMemory returns an empty MemoryProvider.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		accounts:  make(map[string]types.Account),
		snapshots: make(map[string][]types.Snapshot),
	}
}

type accountsFile struct {
	Accounts []types.Account `yaml:"accounts"`
}

// Init loads the accounts file if one is configured.
func (m *MemoryProvider) Init(ctx context.Context) error {
	if m.accountsFile == "" {
		return nil
	}
	b, err := os.ReadFile(m.accountsFile)
	if err != nil {
		return fmt.Errorf("failed to read accounts file: %w", err)
	}
	return m.Seed(ctx, b)
}

// Seed adds the accounts from a YAML document of the form
// "accounts: [{id, service, accountID, credentials: {username, password}}]".
func (m *MemoryProvider) Seed(ctx context.Context, b []byte) error {
	var f accountsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("failed to parse accounts file: %w", err)
	}
	now := time.Now()
	for i, a := range f.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d in accounts file is missing an id", i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("invalid account %s: %w", a.ID, err)
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if err := m.CreateAccount(ctx, a); err != nil {
			return fmt.Errorf("failed to add account %s: %w", a.ID, err)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryProvider) Close() error {
	return nil
}

// ListAccounts returns every account ordered by creation time.
func (m *MemoryProvider) ListAccounts(ctx context.Context) ([]types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]types.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts, nil
}

func (m *MemoryProvider) GetAccount(ctx context.Context, id string) (types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return types.Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (m *MemoryProvider) CreateAccount(ctx context.Context, account types.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *MemoryProvider) UpdateAccount(ctx context.Context, account types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *MemoryProvider) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(m.accounts, id)
	delete(m.snapshots, id)
	return nil
}

// InsertSnapshot keeps the account's snapshots sorted by time, replacing one
// at the same instant.
func (m *MemoryProvider) InsertSnapshot(ctx context.Context, accountID string, snapshot types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}

	list := m.snapshots[accountID]
	i := sort.Search(len(list), func(i int) bool {
		return !list[i].Timestamp.Before(snapshot.Timestamp)
	})
	snapshot.Record = snapshot.Record.Clone()
	if i < len(list) && list[i].Timestamp.Equal(snapshot.Timestamp) {
		list[i] = snapshot
		return nil
	}
	list = append(list, types.Snapshot{})
	copy(list[i+1:], list[i:])
	list[i] = snapshot
	m.snapshots[accountID] = list
	return nil
}

func (m *MemoryProvider) GetSnapshotHistory(ctx context.Context, accountID string, start, end time.Time) ([]types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Snapshot
	for _, s := range m.snapshots[accountID] {
		if s.Timestamp.Before(start) || !s.Timestamp.Before(end) {
			continue
		}
		s.Record = s.Record.Clone()
		out = append(out, s)
	}
	return out, nil
}
