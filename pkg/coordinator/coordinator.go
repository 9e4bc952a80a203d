package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/portal"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrReauthRequired is returned when the portal rejected the account's
	// credentials. The credentials have to be fixed before refreshing again
	// can succeed, so a cached snapshot is never returned in its place.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrUpdateFailed is returned when a refresh failed and there is no
	// previous snapshot to fall back to.
	ErrUpdateFailed = errors.New("update failed")

	// errClosed is returned by a coordinator that was removed or replaced.
	errClosed = errors.New("coordinator closed")
)

// State is where a coordinator is in its refresh cycle.
type State string

const (
	StateNoToken        State = "no_token"
	StateAuthenticating State = "authenticating"
	StateFetching       State = "fetching"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
)

// SnapshotStore persists successful records as history.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, accountID string, snapshot types.Snapshot) error
}

// Coordinator owns the token and the last good record of a single account.
// Refreshes are serialized so a manual refresh racing a scheduled one doesn't
// log in twice.
type Coordinator struct {
	account  types.Account
	adapter  portal.Adapter
	store    SnapshotStore
	tokenTTL time.Duration
	now      func() time.Time

	refreshMu sync.Mutex
	// set once the registry drops the coordinator, guarded by refreshMu
	closed bool

	mu          sync.RWMutex
	token       *portal.Token
	expiresAt   time.Time
	data        *types.Record
	state       State
	lastErr     error
	lastSuccess time.Time
}

// New creates a Coordinator for account. store may be nil, in which case
// snapshots are only kept in memory.
func New(account types.Account, adapter portal.Adapter, store SnapshotStore, tokenTTL time.Duration) *Coordinator {
	registerMetrics()
	return &Coordinator{
		account:  account,
		adapter:  adapter,
		store:    store,
		tokenTTL: tokenTTL,
		now:      time.Now,
		state:    StateNoToken,
	}
}

// Account returns the account this coordinator refreshes.
func (c *Coordinator) Account() types.Account {
	return c.account
}

// Data returns a copy of the last successful record, if any.
func (c *Coordinator) Data() (types.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return types.Record{}, false
	}
	return c.data.Clone(), true
}

// State returns the current refresh state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error of the most recent failed refresh, or nil if the
// most recent refresh succeeded.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastSuccess returns when the last successful refresh finished.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Status is a point-in-time view of a coordinator.
type Status struct {
	Account     types.Account `json:"account"`
	State       State         `json:"state"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Record      *types.Record `json:"record"`
}

// Status returns the coordinator's current status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Account: c.account,
		State:   c.state,
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		s.LastSuccess = &t
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.data != nil {
		rec := c.data.Clone()
		s.Record = &rec
	}
	return s
}

// Refresh fetches a new record from the portal, logging in first if there is
// no valid token. A rejected token during the fetch causes exactly one new
// login and one more fetch. Any other failure returns the previous record if
// there is one.
func (c *Coordinator) Refresh(ctx context.Context) (types.Record, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.closed {
		return types.Record{}, errClosed
	}

	ctx = log.WithAttrs(
		ctx,
		slog.String("service", string(c.account.Service)),
		slog.String("accountID", c.account.AccountID),
		slog.String("entryID", c.account.ID),
	)

	start := c.now()
	rec, result, err := c.refresh(ctx)
	observeRefresh(c.account.Service, result, c.now().Sub(start))
	return rec, err
}

func (c *Coordinator) refresh(ctx context.Context) (types.Record, string, error) {
	token, ok := c.validToken()
	if !ok {
		var err error
		token, err = c.authenticate(ctx)
		if err != nil {
			return c.fail(ctx, err, portal.IsAuth(err))
		}
	}

	c.setState(StateFetching)
	rec, err := c.adapter.FetchCanonical(ctx, token, c.account)
	if portal.IsAuth(err) {
		log.Ctx(ctx).InfoContext(ctx, "token rejected, logging in again", slog.Any("error", err))
		c.clearToken()
		token, err = c.authenticate(ctx)
		if err != nil {
			return c.fail(ctx, err, portal.IsAuth(err))
		}
		c.setState(StateFetching)
		// a second rejection right after a successful login isn't a
		// credentials problem so it's handled like any other failure
		rec, err = c.adapter.FetchCanonical(ctx, token, c.account)
	}
	if err != nil {
		return c.fail(ctx, err, false)
	}

	now := c.now()
	c.mu.Lock()
	stored := rec.Clone()
	c.data = &stored
	c.state = StateSuccess
	c.lastErr = nil
	c.lastSuccess = now
	c.mu.Unlock()
	setLastSuccess(c.account, now)

	log.Ctx(ctx).DebugContext(ctx, "refreshed account", slog.Float64("balance", rec.Balance))
	c.storeSnapshot(ctx, rec, now)

	return rec.Clone(), resultSuccess, nil
}

// fail records err and decides what the caller gets back. rejected is set when
// the portal refused the credentials at login.
func (c *Coordinator) fail(ctx context.Context, err error, rejected bool) (types.Record, string, error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	data := c.data
	c.mu.Unlock()

	if rejected {
		log.Ctx(ctx).WarnContext(ctx, "portal rejected credentials", slog.Any("error", err))
		return types.Record{}, resultReauth, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	if data != nil {
		log.Ctx(ctx).WarnContext(ctx, "refresh failed, using previous snapshot", slog.Any("error", err))
		return data.Clone(), resultFallback, nil
	}
	log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
	return types.Record{}, resultError, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
}

func (c *Coordinator) authenticate(ctx context.Context) (portal.Token, error) {
	c.setState(StateAuthenticating)

	token, err := c.adapter.Authenticate(ctx, c.account)
	if err != nil {
		observeAuth(c.account.Service, resultError)
		c.clearToken()
		return portal.Token{}, err
	}
	observeAuth(c.account.Service, resultSuccess)

	expiresAt := c.now().Add(c.tokenTTL)
	if !token.ExpiresAt.IsZero() && token.ExpiresAt.Before(expiresAt) {
		expiresAt = token.ExpiresAt
	}

	c.mu.Lock()
	c.token = &token
	c.expiresAt = expiresAt
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "logged in", slog.Time("expiresAt", expiresAt))
	return token, nil
}

func (c *Coordinator) validToken() (portal.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil || !c.now().Before(c.expiresAt) {
		return portal.Token{}, false
	}
	return *c.token, true
}

func (c *Coordinator) clearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.expiresAt = time.Time{}
	c.state = StateNoToken
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Coordinator) storeSnapshot(ctx context.Context, rec types.Record, now time.Time) {
	if c.store == nil {
		return
	}
	err := c.store.InsertSnapshot(ctx, c.account.ID, types.Snapshot{
		ID:        uuid.NewString(),
		Timestamp: now,
		Record:    rec.Clone(),
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store snapshot", slog.Any("error", err))
	}
}
