// Package sync mirrors the remote document store into the local row stores:
// a live listener per logical table plus an on-demand bulk refresh. Both
// paths are idempotent upserts keyed by document ID, so they may interleave
// with the write coordinator's optimistic writes in either order.
package sync

import (
	"context"
	"errors"
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// Listener owns the live subscriptions feeding the row stores: owned stories
// and favorites into the personal partition, the featured feed into the
// shared partition.
type Listener struct {
	personal *rowstore.Store
	shared   *rowstore.Store
	remote   remote.Store
	log      zerolog.Logger
	pageSize int

	mu     gosync.Mutex
	stops  []func()
	userID string
}

// NewListener wires a Listener. Stores are injected per partition; nothing
// here is global.
func NewListener(personal, shared *rowstore.Store, r remote.Store, pageSize int, log zerolog.Logger) *Listener {
	return &Listener{
		personal: personal,
		shared:   shared,
		remote:   r,
		log:      log,
		pageSize: pageSize,
	}
}

// Start clears the listener-owned tables and opens the three subscriptions
// for userID. Stale rows from a previous identity never survive into the
// new session.
func (l *Listener) Start(ctx context.Context, userID string) error {
	l.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = userID

	var stops []func()
	fail := func(err error) error {
		for _, s := range stops {
			s()
		}
		return err
	}

	stop, err := l.watchWithFallback(ctx, OwnedStoriesQuery(userID), nil,
		l.personal, model.TableMyStories)
	if err != nil {
		return fail(err)
	}
	stops = append(stops, stop)

	featured := FeaturedStoriesQuery(l.pageSize)
	degraded := FeaturedStoriesFallbackQuery(l.pageSize)
	stop, err = l.watchWithFallback(ctx, featured, &degraded,
		l.shared, model.TableFeaturedStories)
	if err != nil {
		return fail(err)
	}
	stops = append(stops, stop)

	stop, err = l.watchWithFallback(ctx, FavoritesQuery(userID), nil,
		l.personal, model.TableFavorites)
	if err != nil {
		return fail(err)
	}
	stops = append(stops, stop)

	l.stops = stops
	return nil
}

// Stop tears the subscriptions down and clears the listener-owned tables.
// Subscriptions stop first: their teardown is synchronous, so no queued batch
// can resurrect the old identity's rows after the clear. Clearing happens
// even when nothing was started, so a first Start begins from empty tables.
func (l *Listener) Stop() {
	l.mu.Lock()
	stops := l.stops
	l.stops = nil
	l.userID = ""
	l.mu.Unlock()

	for _, s := range stops {
		s()
	}
	l.personal.ClearTable(model.TableMyStories)
	l.personal.ClearTable(model.TableFavorites)
	l.shared.ClearTable(model.TableFeaturedStories)
}

// SetUser re-creates the subscriptions for a new identity. An empty userID
// is a sign-out: everything is torn down and cleared.
func (l *Listener) SetUser(ctx context.Context, userID string) error {
	if userID == "" {
		l.Stop()
		return nil
	}
	return l.Start(ctx, userID)
}

// watchWithFallback opens the subscription, degrading the query exactly once
// when the backend reports a missing index. A precondition failure from the
// degraded query itself is treated as a generic error. Other subscription
// errors are logged, not retried; reconnection is the subscription
// mechanism's job.
func (l *Listener) watchWithFallback(ctx context.Context, q remote.Query, degraded *remote.Query, store *rowstore.Store, table string) (func(), error) {
	fn := func(batch []remote.Change) { ApplyChanges(store, table, batch) }

	stop, err := l.remote.Watch(ctx, q, fn)
	if err == nil {
		return stop, nil
	}
	if !errors.Is(err, model.ErrIndexRequired) || degraded == nil {
		l.log.Error().Err(err).Str("table", table).Msg("subscription failed")
		return nil, err
	}

	l.log.Warn().Str("table", table).Msg("query needs a missing index, degrading once")
	stop, err = l.remote.Watch(ctx, *degraded, fn)
	if err != nil {
		l.log.Error().Err(err).Str("table", table).Msg("degraded subscription failed")
		return nil, err
	}
	return stop, nil
}

// ApplyChanges translates one batch of subscription events into row-store
// mutations. Applying the same Added snapshot twice is idempotent: the row
// is keyed by document ID and fully replaced each time.
func ApplyChanges(store *rowstore.Store, table string, batch []remote.Change) {
	for _, ch := range batch {
		if ch.Kind == remote.Removed {
			store.DelRow(table, ch.ID)
			continue
		}
		row := rowstore.SanitizeDoc(ch.Data)
		row["id"] = rowstore.String(ch.ID)
		store.SetRow(table, ch.ID, row)
	}
}
