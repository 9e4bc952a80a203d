package storagemock

import (
	"context"
	"time"

	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) ListAccounts(ctx context.Context) ([]types.Account, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.Account), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetAccount(ctx context.Context, id string) (types.Account, error) {
	args := m.Called(ctx, id)
	if len(args) > 0 {
		return args.Get(0).(types.Account), args.Error(1)
	}
	return types.Account{}, nil
}

func (m *MockDatabase) CreateAccount(ctx context.Context, account types.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDatabase) UpdateAccount(ctx context.Context, account types.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDatabase) DeleteAccount(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDatabase) InsertSnapshot(ctx context.Context, accountID string, snapshot types.Snapshot) error {
	args := m.Called(ctx, accountID, snapshot)
	return args.Error(0)
}

func (m *MockDatabase) GetSnapshotHistory(ctx context.Context, accountID string, start, end time.Time) ([]types.Snapshot, error) {
	args := m.Called(ctx, accountID, start, end)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.Snapshot), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
