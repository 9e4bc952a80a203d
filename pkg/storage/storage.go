package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/askuuz/askuuz/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Database defines the interface for persisting accounts and their history.
type Database interface {
	// Accounts
	ListAccounts(ctx context.Context) ([]types.Account, error)
	GetAccount(ctx context.Context, id string) (types.Account, error)
	CreateAccount(ctx context.Context, account types.Account) error
	UpdateAccount(ctx context.Context, account types.Account) error
	// DeleteAccount removes the account and all of its snapshots.
	DeleteAccount(ctx context.Context, id string) error

	// History
	InsertSnapshot(ctx context.Context, accountID string, snapshot types.Snapshot) error
	// GetSnapshotHistory returns the snapshots in [start, end) ordered by
	// time.
	GetSnapshotHistory(ctx context.Context, accountID string, start, end time.Time) ([]types.Snapshot, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres, memory)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()
	mem := configuredMemory()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		case "memory":
			p.Database = mem
			if err := mem.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("memory init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// snapshotIDFormat is fixed width so IDs sort lexicographically by time.
const snapshotIDFormat = "2006-01-02T15:04:05.000000000Z"

func snapshotKey(t time.Time) string {
	return t.UTC().Format(snapshotIDFormat)
}
