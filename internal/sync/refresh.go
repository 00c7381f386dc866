package sync

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/notify"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// Refresher performs on-demand full-table pulls when a live listener is
// unavailable or the caller wants a guaranteed-fresh snapshot. Calls are
// single-flight: a refresh arriving while one runs is ignored, not queued.
type Refresher struct {
	personal *rowstore.Store
	shared   *rowstore.Store
	remote   remote.Store
	notifier notify.Notifier
	log      zerolog.Logger
	pageSize int

	inFlight       atomic.Bool
	rankingNoticed atomic.Bool
}

// NewRefresher wires a Refresher.
func NewRefresher(personal, shared *rowstore.Store, r remote.Store, n notify.Notifier, pageSize int, log zerolog.Logger) *Refresher {
	return &Refresher{
		personal: personal,
		shared:   shared,
		remote:   r,
		notifier: n,
		log:      log,
		pageSize: pageSize,
	}
}

// Refresh pulls all three logical tables and reconciles each by full-replace
// diff. A failure surfaces as a single error notice; progress already
// applied stays (no rollback of a partial refresh).
func (r *Refresher) Refresh(ctx context.Context, userID string) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.log.Debug().Msg("refresh already in flight, ignoring")
		return nil
	}
	defer r.inFlight.Store(false)

	err := r.refresh(ctx, userID)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Msg("refresh failed")
		notify.Errorf(r.notifier, "Couldn't refresh your stories. Please try again.")
	}
	return err
}

func (r *Refresher) refresh(ctx context.Context, userID string) error {
	docs, err := r.remote.Fetch(ctx, OwnedStoriesQuery(userID))
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	Reconcile(r.personal, model.TableMyStories, docs)

	docs, err = r.fetchFeatured(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	Reconcile(r.shared, model.TableFeaturedStories, docs)

	docs, err = r.remote.Fetch(ctx, FavoritesQuery(userID))
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	Reconcile(r.personal, model.TableFavorites, docs)
	return nil
}

// fetchFeatured tries the ranked feed, degrading once on a missing index.
// The degradation is not an error: a one-time info notice tells the user the
// feed is not fully ranked yet.
func (r *Refresher) fetchFeatured(ctx context.Context) ([]remote.Doc, error) {
	docs, err := r.remote.Fetch(ctx, FeaturedStoriesQuery(r.pageSize))
	if err == nil {
		return docs, nil
	}
	if !errors.Is(err, model.ErrIndexRequired) {
		return nil, err
	}

	r.log.Warn().Msg("featured query needs a missing index, fetching unranked")
	docs, err = r.remote.Fetch(ctx, FeaturedStoriesFallbackQuery(r.pageSize))
	if err != nil {
		return nil, err
	}
	if r.rankingNoticed.CompareAndSwap(false, true) {
		notify.Infof(r.notifier, "Featured stories are not fully ranked yet.")
	}
	return docs, nil
}

// Reconcile applies a fetched snapshot as a full-replace diff: every fetched
// ID is upserted, every local ID absent from the fetch is deleted.
func Reconcile(store *rowstore.Store, table string, docs []remote.Doc) {
	fetched := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		fetched[d.ID] = struct{}{}
		row := rowstore.SanitizeDoc(d.Data)
		row["id"] = rowstore.String(d.ID)
		store.SetRow(table, d.ID, row)
	}
	for _, id := range store.RowIDs(table) {
		if _, ok := fetched[id]; !ok {
			store.DelRow(table, id)
		}
	}
}
