package autodownload

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/audiocache"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// fakeCache records calls and lets tests script hits, failures, and blocking
// downloads.
type fakeCache struct {
	mu         gosync.Mutex
	cached     map[string]bool
	failFor    map[string]error
	downloads  []string
	sweeps     int
	onDownload func(name string)
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		cached:  make(map[string]bool),
		failFor: make(map[string]error),
	}
}

func (f *fakeCache) CachedPath(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached[name] {
		return "/cache/" + name, true
	}
	return "", false
}

func (f *fakeCache) Download(ctx context.Context, url, name string) (string, error) {
	f.mu.Lock()
	hook := f.onDownload
	err := f.failFor[name]
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.cached[name] = true
	f.downloads = append(f.downloads, name)
	f.mu.Unlock()
	return "/cache/" + name, nil
}

func (f *fakeCache) ClearOld(maxSizeMB int) error {
	f.mu.Lock()
	f.sweeps++
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

func (f *fakeCache) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func seedStory(store *rowstore.Store, table, id, audioURL string) {
	row := rowstore.Row{"id": rowstore.String(id)}
	if audioURL != "" {
		row["audioUrl"] = rowstore.String(audioURL)
	}
	store.SetRow(table, id, row)
}

func seedFavorite(personal *rowstore.Store, id string) {
	personal.SetRow(model.TableFavorites, id, rowstore.Row{"id": rowstore.String(id)})
}

func newTestWorker(cache Cache) (*Worker, *rowstore.Store, *rowstore.Store) {
	personal, shared := rowstore.New(), rowstore.New()
	w := NewWorker(personal, shared, cache, 200, zerolog.Nop())
	return w, personal, shared
}

func TestWorker_DownloadsOnlyUncachedEligible(t *testing.T) {
	cache := newFakeCache()
	w, personal, shared := newTestWorker(cache)

	// Two eligible favorites, one already cached; a non-favorite and an
	// audio-less favorite stay out of the set.
	seedStory(personal, model.TableMyStories, "s1", "https://cdn/s1.mp3")
	seedFavorite(personal, "s1")
	seedStory(shared, model.TableFeaturedStories, "s2", "https://cdn/s2.mp3")
	seedFavorite(personal, "s2")
	cache.cached[audiocache.FavoriteFileName("s1")] = true

	seedStory(shared, model.TableFeaturedStories, "not-fav", "https://cdn/x.mp3")
	seedStory(personal, model.TableMyStories, "no-audio", "")
	seedFavorite(personal, "no-audio")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return cache.sweepCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{audiocache.FavoriteFileName("s2")}, cache.downloads,
		"only the uncached eligible story downloads")
}

func TestWorker_EligibilityUnionDeduplicates(t *testing.T) {
	cache := newFakeCache()
	w, personal, shared := newTestWorker(cache)

	// Same story in both partitions counts once.
	seedStory(personal, model.TableMyStories, "dup", "https://cdn/dup.mp3")
	seedStory(shared, model.TableFeaturedStories, "dup", "https://cdn/dup.mp3")
	seedFavorite(personal, "dup")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return cache.sweepCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, cache.downloadCount())
}

func TestWorker_IndividualFailuresAreSwallowed(t *testing.T) {
	cache := newFakeCache()
	cache.failFor[audiocache.FavoriteFileName("bad")] = errors.New("404")
	w, personal, _ := newTestWorker(cache)

	seedStory(personal, model.TableMyStories, "bad", "https://cdn/bad.mp3")
	seedFavorite(personal, "bad")
	seedStory(personal, model.TableMyStories, "good", "https://cdn/good.mp3")
	seedFavorite(personal, "good")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// The bad URL never blocks the batch; the sweep still runs.
	require.Eventually(t, func() bool { return cache.sweepCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := cache.CachedPath(audiocache.FavoriteFileName("good"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_DisabledDownloadsNothing(t *testing.T) {
	cache := newFakeCache()
	w, personal, _ := newTestWorker(cache)
	w.SetEnabled(false)

	seedStory(personal, model.TableMyStories, "s1", "https://cdn/s1.mp3")
	seedFavorite(personal, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, cache.downloadCount())
}

func TestWorker_DisableMidPassStopsPromptly(t *testing.T) {
	cache := newFakeCache()
	w, personal, _ := newTestWorker(cache)
	cache.onDownload = func(string) { w.SetEnabled(false) }

	for _, id := range []string{"a", "b", "c", "d"} {
		seedStory(personal, model.TableMyStories, id, "https://cdn/"+id+".mp3")
		seedFavorite(personal, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// The first download flips the flag off; the boundary check stops the
	// rest of the batch.
	require.Eventually(t, func() bool { return cache.downloadCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, cache.downloadCount())
}

func TestWorker_FavoriteToggleTriggersResync(t *testing.T) {
	cache := newFakeCache()
	w, personal, _ := newTestWorker(cache)

	seedStory(personal, model.TableMyStories, "s1", "https://cdn/s1.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	require.Eventually(t, func() bool { return cache.sweepCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, cache.downloadCount(), "not favorited yet")

	// Favoriting the story mutates the store, which triggers another pass.
	seedFavorite(personal, "s1")
	require.Eventually(t, func() bool {
		_, ok := cache.CachedPath(audiocache.FavoriteFileName("s1"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
