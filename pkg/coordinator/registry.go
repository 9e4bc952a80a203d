package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/portal"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownAccount is returned for an entry id that isn't registered.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrDuplicateAccount is returned when adding an entry id that is
	// already registered.
	ErrDuplicateAccount = errors.New("account already registered")
)

const (
	defaultUpdateInterval = 12 * time.Hour
	defaultTokenTTL       = 12 * time.Hour
	defaultConcurrency    = 4
)

// Registry holds a Coordinator per configured account, indexed by entry id.
type Registry struct {
	adapters *portal.Map
	store    SnapshotStore

	updateInterval time.Duration
	tokenTTL       time.Duration
	concurrency    int

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

// Configured registers the polling flags and returns a Registry that creates
// coordinators with adapters from the given map.
func Configured(adapters *portal.Map, store SnapshotStore) *Registry {
	r := NewRegistry(adapters, store)

	interval := lflag.Duration("update-interval", defaultUpdateInterval, "How often every account is refreshed")
	ttl := lflag.Duration("token-ttl", defaultTokenTTL, "How long a portal token is reused when the portal doesn't say when it expires")
	concurrency := lflag.Int("refresh-concurrency", defaultConcurrency, "Maximum number of accounts refreshed at the same time")

	lflag.Do(func() {
		if *interval <= 0 {
			panic("update-interval must be positive")
		}
		r.updateInterval = *interval
		r.tokenTTL = *ttl
		r.concurrency = *concurrency
	})

	return r
}

// NewRegistry returns a Registry with the default interval, token TTL and
// concurrency.
func NewRegistry(adapters *portal.Map, store SnapshotStore) *Registry {
	return &Registry{
		adapters:       adapters,
		store:          store,
		updateInterval: defaultUpdateInterval,
		tokenTTL:       defaultTokenTTL,
		concurrency:    defaultConcurrency,
		coordinators:   make(map[string]*Coordinator),
	}
}

func (r *Registry) newCoordinator(account types.Account) (*Coordinator, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}
	if account.ID == "" {
		return nil, fmt.Errorf("account entry id is required")
	}
	adapter, err := r.adapters.Adapter(account.Service)
	if err != nil {
		return nil, err
	}
	return New(account, adapter, r.store, r.tokenTTL), nil
}

// Add creates a coordinator for account and performs the first refresh. The
// account is only registered if that refresh succeeds.
func (r *Registry) Add(ctx context.Context, account types.Account) (types.Record, error) {
	c, err := r.newCoordinator(account)
	if err != nil {
		return types.Record{}, err
	}

	r.mu.RLock()
	_, exists := r.coordinators[account.ID]
	r.mu.RUnlock()
	if exists {
		return types.Record{}, ErrDuplicateAccount
	}

	rec, err := c.Refresh(ctx)
	if err != nil {
		forgetAccount(account)
		return types.Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.coordinators[account.ID]; exists {
		return types.Record{}, ErrDuplicateAccount
	}
	r.coordinators[account.ID] = c

	log.Ctx(ctx).InfoContext(
		ctx,
		"account added",
		slog.String("entryID", account.ID),
		slog.String("service", string(account.Service)),
	)
	return rec, nil
}

// Load registers an already configured account without refreshing it. The
// next Run cycle refreshes it.
func (r *Registry) Load(account types.Account) error {
	c, err := r.newCoordinator(account)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.coordinators[account.ID]; exists {
		return ErrDuplicateAccount
	}
	r.coordinators[account.ID] = c
	return nil
}

// Remove tears down the coordinator for the entry id.
func (r *Registry) Remove(id string) error {
	return r.RemoveFunc(id, nil)
}

// RemoveFunc tears down the coordinator for the entry id once any refresh in
// flight has finished. cleanup runs before the coordinator is dropped and if
// it fails the account stays registered. A removed coordinator never refreshes
// or stores a snapshot again.
func (r *Registry) RemoveFunc(id string, cleanup func() error) error {
	for {
		c, err := r.Get(id)
		if err != nil {
			return err
		}
		removed, err := r.remove(c, cleanup)
		if err != nil || removed {
			return err
		}
		// replaced while waiting, the registry now holds a new one
	}
}

func (r *Registry) remove(c *Coordinator, cleanup func() error) (bool, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.closed {
		return false, nil
	}
	if cleanup != nil {
		if err := cleanup(); err != nil {
			return false, err
		}
	}

	r.mu.Lock()
	delete(r.coordinators, c.Account().ID)
	r.mu.Unlock()

	c.closed = true
	forgetAccount(c.Account())
	return true, nil
}

// Replace swaps in a new coordinator for an already registered account, for
// example after its credentials changed. The new coordinator has to refresh
// successfully and persist, if given, has to succeed before it takes over.
// Otherwise the current coordinator is left untouched.
func (r *Registry) Replace(ctx context.Context, account types.Account, persist func() error) (types.Record, error) {
	for {
		old, err := r.Get(account.ID)
		if err != nil {
			return types.Record{}, err
		}
		if old.Account().Service != account.Service {
			return types.Record{}, fmt.Errorf("cannot change service of account %s", account.ID)
		}
		rec, replaced, err := r.replace(ctx, old, account, persist)
		if err != nil || replaced {
			return rec, err
		}
	}
}

func (r *Registry) replace(ctx context.Context, old *Coordinator, account types.Account, persist func() error) (types.Record, bool, error) {
	c, err := r.newCoordinator(account)
	if err != nil {
		return types.Record{}, false, err
	}

	// the old coordinator sits out until the swap so the two never publish
	// at the same time
	old.refreshMu.Lock()
	defer old.refreshMu.Unlock()
	if old.closed {
		return types.Record{}, false, nil
	}

	rec, err := c.Refresh(ctx)
	if err != nil {
		return types.Record{}, false, err
	}
	if persist != nil {
		if err := persist(); err != nil {
			return types.Record{}, false, err
		}
	}

	r.mu.Lock()
	r.coordinators[account.ID] = c
	r.mu.Unlock()
	old.closed = true

	log.Ctx(ctx).InfoContext(
		ctx,
		"account replaced",
		slog.String("entryID", account.ID),
		slog.String("service", string(account.Service)),
	)
	return rec, true, nil
}

// Get returns the coordinator for the entry id.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return c, nil
}

// List returns every coordinator ordered by entry id.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	list := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		list = append(list, c)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Account().ID < list[j].Account().ID
	})
	return list
}

// Refresh refreshes a single account.
func (r *Registry) Refresh(ctx context.Context, id string) (types.Record, error) {
	for {
		c, err := r.Get(id)
		if err != nil {
			return types.Record{}, err
		}
		rec, err := c.Refresh(ctx)
		// replaced while waiting, the registry now holds a new one
		if errors.Is(err, errClosed) {
			continue
		}
		return rec, err
	}
}

// RefreshAll refreshes every account, up to the configured concurrency at a
// time. A failing account doesn't stop the others; every failure is returned
// joined together.
func (r *Registry) RefreshAll(ctx context.Context) error {
	list := r.List()
	if len(list) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no accounts to refresh")
		return nil
	}

	start := time.Now()
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for _, c := range list {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, errClosed) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Account().ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	log.Ctx(ctx).InfoContext(
		ctx,
		"refresh cycle complete",
		slog.Int("accounts", len(list)),
		slog.Int("errors", len(errs)),
		slog.Duration("duration", time.Since(start)),
	)
	return errors.Join(errs...)
}

// Run refreshes every account immediately and then on every update interval
// until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.updateInterval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "poller started", slog.Duration("interval", r.updateInterval))

	for {
		// failures are logged by each coordinator
		_ = r.RefreshAll(ctx)

		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "poller stopped")
			return
		case <-ticker.C:
		}
	}
}
