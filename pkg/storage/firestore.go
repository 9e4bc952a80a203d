package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Accounts live in the "accounts" collection and every account has
// a "snapshots" sub-collection.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) accounts() *firestore.CollectionRef {
	return f.client.Collection("accounts")
}

func (f *FirestoreProvider) snapshots(accountID string) (*firestore.CollectionRef, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID cannot be empty")
	}
	return f.accounts().Doc(accountID).Collection("snapshots"), nil
}

// jsonField reads the "json" field every document stores its value in.
func jsonField(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// ListAccounts retrieves every account from the "accounts" collection.
func (f *FirestoreProvider) ListAccounts(ctx context.Context) ([]types.Account, error) {
	iter := f.accounts().Documents(ctx)
	defer iter.Stop()

	var accounts []types.Account
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating accounts: %w", err)
		}

		var account types.Account
		if err := jsonField(doc, &account); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid account doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// GetAccount retrieves a single account by entry id.
func (f *FirestoreProvider) GetAccount(ctx context.Context, id string) (types.Account, error) {
	if id == "" {
		return types.Account{}, ErrAccountNotFound
	}
	doc, err := f.accounts().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Account{}, ErrAccountNotFound
		}
		return types.Account{}, fmt.Errorf("failed to get account %s: %w", id, err)
	}

	var account types.Account
	if err := jsonField(doc, &account); err != nil {
		return types.Account{}, err
	}
	return account, nil
}

// CreateAccount creates a new account document. It fails with
// ErrAccountExists if the entry id is taken.
func (f *FirestoreProvider) CreateAccount(ctx context.Context, account types.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", account.ID, err)
	}
	_, err = f.accounts().Doc(account.ID).Create(ctx, map[string]interface{}{
		"json":    string(accountJSON),
		"service": string(account.Service),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account %s: %w", account.ID, err)
	}
	return nil
}

// UpdateAccount replaces an existing account document.
func (f *FirestoreProvider) UpdateAccount(ctx context.Context, account types.Account) error {
	if account.ID == "" {
		return ErrAccountNotFound
	}
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", account.ID, err)
	}
	_, err = f.accounts().Doc(account.ID).Update(ctx, []firestore.Update{
		{Path: "json", Value: string(accountJSON)},
		{Path: "service", Value: string(account.Service)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to update account %s: %w", account.ID, err)
	}
	return nil
}

// DeleteAccount deletes the account's snapshots and then the account itself.
func (f *FirestoreProvider) DeleteAccount(ctx context.Context, id string) error {
	if id == "" {
		return ErrAccountNotFound
	}
	ref := f.accounts().Doc(id)
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to get account %s: %w", id, err)
	}

	coll, err := f.snapshots(id)
	if err != nil {
		return err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	bw := f.client.BulkWriter(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("error iterating snapshots: %w", err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return fmt.Errorf("failed to delete snapshot %s: %w", doc.Ref.ID, err)
		}
	}
	bw.End()

	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	return nil
}

// InsertSnapshot adds a snapshot to the account's "snapshots" sub-collection.
// The document ID is the fixed-width timestamp for efficient range queries.
func (f *FirestoreProvider) InsertSnapshot(ctx context.Context, accountID string, snapshot types.Snapshot) error {
	jsonBytes, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	coll, err := f.snapshots(accountID)
	if err != nil {
		return err
	}
	_, err = coll.Doc(snapshotKey(snapshot.Timestamp)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": snapshot.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshotHistory retrieves the account's snapshots within the specified
// time range. Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetSnapshotHistory(ctx context.Context, accountID string, start, end time.Time) ([]types.Snapshot, error) {
	coll, err := f.snapshots(accountID)
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(snapshotKey(start))).
		Where(firestore.DocumentID, "<", coll.Doc(snapshotKey(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var snapshots []types.Snapshot
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating snapshots: %w", err)
		}

		var s types.Snapshot
		if err := jsonField(doc, &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid snapshot doc", slog.String("docID", doc.Ref.ID), slog.String("accountID", accountID), slog.Any("err", err))
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}
