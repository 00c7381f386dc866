// Package autodownload keeps the audio cache populated for every favorited
// story with available audio. One reconciliation pass runs at a time;
// eligibility changes during a pass coalesce into a single follow-up pass.
package autodownload

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/audiocache"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/coalesce"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// Cache is the slice of the audio cache this worker needs.
type Cache interface {
	CachedPath(name string) (string, bool)
	Download(ctx context.Context, url, name string) (string, error)
	ClearOld(maxSizeMB int) error
}

// Worker reconciles the favorites eligibility set against the cache.
type Worker struct {
	personal  *rowstore.Store
	shared    *rowstore.Store
	cache     Cache
	log       zerolog.Logger
	maxSizeMB int

	enabled atomic.Bool
	runner  *coalesce.Runner
}

// NewWorker wires a Worker. It starts enabled; callers flip the live flag
// with SetEnabled.
func NewWorker(personal, shared *rowstore.Store, cache Cache, maxSizeMB int, log zerolog.Logger) *Worker {
	w := &Worker{
		personal:  personal,
		shared:    shared,
		cache:     cache,
		log:       log,
		maxSizeMB: maxSizeMB,
	}
	w.enabled.Store(true)
	w.runner = coalesce.New(w.pass)
	return w
}

// SetEnabled flips the live feature flag. The flag is observed at every
// story boundary, so disabling mid-pass stops further downloads promptly;
// enabling requests a reconciliation.
func (w *Worker) SetEnabled(on bool) {
	was := w.enabled.Swap(on)
	if on && !was {
		w.runner.Trigger()
	}
}

// Trigger requests a reconciliation pass.
func (w *Worker) Trigger() { w.runner.Trigger() }

// Run subscribes to both row-store partitions and drives the worker until
// ctx is canceled. Any table mutation (story sync, favorite toggle) becomes
// a coalesced trigger.
func (w *Worker) Run(ctx context.Context) {
	unsubPersonal := w.personal.Subscribe(func(rowstore.Event) { w.runner.Trigger() })
	defer unsubPersonal()
	unsubShared := w.shared.Subscribe(func(rowstore.Event) { w.runner.Trigger() })
	defer unsubShared()

	w.runner.Trigger()
	w.runner.Run(ctx)
}

// eligible is the deduplicated union of owned and featured stories that are
// favorited and carry an audio URL.
func (w *Worker) eligible() map[string]string {
	out := make(map[string]string)
	collect := func(store *rowstore.Store, table string) {
		for id, row := range store.GetTable(table) {
			if !w.personal.HasRow(model.TableFavorites, id) {
				continue
			}
			url := row["audioUrl"].StringOr("")
			if url == "" {
				continue
			}
			out[id] = url
		}
	}
	collect(w.personal, model.TableMyStories)
	collect(w.shared, model.TableFeaturedStories)
	return out
}

// pass downloads every missing eligible entry, swallowing individual
// failures so one bad URL never blocks the rest of the batch, then runs the
// eviction sweep.
func (w *Worker) pass(ctx context.Context) {
	if !w.enabled.Load() || ctx.Err() != nil {
		return
	}
	passesTotal.Inc()

	for id, url := range w.eligible() {
		// Both the cancellation and the live enabled flag are observed at
		// each story boundary, not only at pass start.
		if ctx.Err() != nil || !w.enabled.Load() {
			return
		}
		name := audiocache.FavoriteFileName(id)
		if _, ok := w.cache.CachedPath(name); ok {
			continue
		}
		if _, err := w.cache.Download(ctx, url, name); err != nil {
			// Best-effort: retried naturally on the next trigger.
			w.log.Warn().Str("storyId", id).Err(err).Msg("favorite audio download failed, skipping")
			continue
		}
		w.log.Debug().Str("storyId", id).Msg("favorite audio cached")
	}

	if err := w.cache.ClearOld(w.maxSizeMB); err != nil {
		w.log.Warn().Err(err).Msg("cache eviction sweep failed")
	}
}
