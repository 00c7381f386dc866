package stories

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/identity"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/notify"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// fakeRemote lets each test script the outcome of remote writes.
type fakeRemote struct {
	mu      gosync.Mutex
	docs    map[remote.Path]map[string]any
	setFn   func(p remote.Path, data map[string]any) error
	mergeFn func(p remote.Path, data map[string]any) error
	delFn   func(p remote.Path) error
	nextID  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[remote.Path]map[string]any)}
}

func (f *fakeRemote) Set(ctx context.Context, p remote.Path, data map[string]any) error {
	if f.setFn != nil {
		if err := f.setFn(p, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.docs[p] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Merge(ctx context.Context, p remote.Path, data map[string]any) error {
	if f.mergeFn != nil {
		if err := f.mergeFn(p, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]any{}
	for k, v := range f.docs[p] {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	f.docs[p] = merged
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, p remote.Path) error {
	if f.delFn != nil {
		if err := f.delFn(p); err != nil {
			return err
		}
	}
	f.mu.Lock()
	delete(f.docs, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Fetch(ctx context.Context, q remote.Query) ([]remote.Doc, error) {
	return nil, nil
}

func (f *fakeRemote) Get(ctx context.Context, p remote.Path) (map[string]any, error) {
	if d, ok := f.doc(p); ok {
		return d, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeRemote) Watch(ctx context.Context, q remote.Query, fn func([]remote.Change)) (func(), error) {
	return func() {}, nil
}

func (f *fakeRemote) RunTransaction(ctx context.Context, fn func(remote.Tx) error) error {
	return nil
}

func (f *fakeRemote) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeRemote) doc(p remote.Path) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[p]
	return d, ok
}

type fixture struct {
	svc      *Service
	personal *rowstore.Store
	remote   *fakeRemote
	rec      *notify.Recorder
	ident    *identity.Static
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		personal: rowstore.New(),
		remote:   newFakeRemote(),
		rec:      &notify.Recorder{},
		ident:    identity.NewStatic(),
	}
	f.ident.SetUser("u1")
	svc, err := NewService(Config{
		Personal:      f.personal,
		Remote:        f.remote,
		Identity:      f.ident,
		Notifier:      f.rec,
		Logger:        zerolog.Nop(),
		CreateTimeout: timeout,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestSave_RequiresAuth(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ident.SetUser("")

	_, err := f.svc.Save(context.Background(), Draft{Title: "T"})
	require.ErrorIs(t, err, model.ErrAuthRequired)
	require.Empty(t, f.personal.GetTable(model.TableMyStories))
}

func TestSave_FastRemoteWriteConfirms(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.remote.setFn = func(remote.Path, map[string]any) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	id, err := f.svc.Save(context.Background(), Draft{Title: "T"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.True(t, f.personal.HasRow(model.TableMyStories, id))
	row, _ := f.personal.GetRow(model.TableMyStories, id)
	require.Equal(t, "u1", row["userId"].StringOr(""))
	require.Equal(t, "T", row["title"].StringOr(""))

	state, ok := f.svc.PendingState(id)
	require.True(t, ok)
	require.Equal(t, StateConfirmed, state)
	require.Empty(t, f.rec.All())

	_, ok = f.remote.doc(remote.StoryDoc(id))
	require.True(t, ok, "remote document should exist")
}

func TestSave_TimeoutStillReturnsIDThenConfirms(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	release := make(chan struct{})
	f.remote.setFn = func(remote.Path, map[string]any) error {
		<-release
		return nil
	}

	start := time.Now()
	id, err := f.svc.Save(context.Background(), Draft{Title: "Slow"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "call must return near the timeout, not wait for the write")

	// Row is usable immediately; an info notice was shown.
	require.True(t, f.personal.HasRow(model.TableMyStories, id))
	require.Equal(t, 1, f.rec.Count(notify.Info))
	state, _ := f.svc.PendingState(id)
	require.Equal(t, StateTimedOutPendingConfirm, state)

	close(release)
	require.Eventually(t, func() bool {
		state, _ := f.svc.PendingState(id)
		return state == StateConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, f.personal.HasRow(model.TableMyStories, id), "confirmed row stays")
	require.Equal(t, 0, f.rec.Count(notify.Error))
}

func TestSave_TimeoutThenRejectRollsBackAndNotifies(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	release := make(chan struct{})
	f.remote.setFn = func(remote.Path, map[string]any) error {
		<-release
		return errors.New("backend rejected the write")
	}

	id, err := f.svc.Save(context.Background(), Draft{Title: "Doomed"})
	require.NoError(t, err, "timeout is not an error")
	require.True(t, f.personal.HasRow(model.TableMyStories, id))
	require.Equal(t, 1, f.rec.Count(notify.Info))

	close(release)
	require.Eventually(t, func() bool {
		return !f.personal.HasRow(model.TableMyStories, id)
	}, 2*time.Second, 10*time.Millisecond, "deferred failure must delete the optimistic row")
	require.Equal(t, 1, f.rec.Count(notify.Error))
	state, _ := f.svc.PendingState(id)
	require.Equal(t, StateRolledBack, state)
}

func TestSave_FastRejectRollsBackAndReturnsError(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.remote.setFn = func(remote.Path, map[string]any) error {
		return errors.New("invalid document")
	}

	id, err := f.svc.Save(context.Background(), Draft{Title: "Bad"})
	require.Error(t, err)
	require.Empty(t, id)
	require.Empty(t, f.personal.GetTable(model.TableMyStories))
}

func TestSave_PerCallTimeoutOverride(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	release := make(chan struct{})
	defer close(release)
	f.remote.setFn = func(remote.Path, map[string]any) error {
		<-release
		return nil
	}

	start := time.Now()
	_, err := f.svc.Save(context.Background(), Draft{Title: "T"}, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestSave_MetaSanitized(t *testing.T) {
	f := newFixture(t, time.Second)

	id, err := f.svc.Save(context.Background(), Draft{
		Title: "T",
		Meta: map[string]any{
			"ageRange": map[string]any{"min": 3.0, "max": 7.0},
			"dropped":  nil,
		},
	})
	require.NoError(t, err)

	doc, ok := f.remote.doc(remote.StoryDoc(id))
	require.True(t, ok)
	require.IsType(t, "", doc["ageRange"], "nested meta serializes to a string")
	_, present := doc["dropped"]
	require.False(t, present, "nil meta fields are omitted")
}

func TestSave_MetaCannotOverrideReservedFields(t *testing.T) {
	f := newFixture(t, time.Second)

	id, err := f.svc.Save(context.Background(), Draft{
		Title: "T",
		Meta: map[string]any{
			"userId":     "mallory",
			"isFeatured": true,
			"playCount":  9999.0,
			"createdAt":  "1999-01-01T00:00:00Z",
			"theme":      "space",
		},
	})
	require.NoError(t, err)

	doc, ok := f.remote.doc(remote.StoryDoc(id))
	require.True(t, ok)
	require.Equal(t, "u1", doc["userId"], "meta must not reassign ownership")
	require.Equal(t, false, doc["isFeatured"], "meta must not self-feature")
	require.Equal(t, 0, doc["playCount"], "meta must not inflate counters")
	require.NotEqual(t, "1999-01-01T00:00:00Z", doc["createdAt"], "meta must not backdate creation")
	require.Equal(t, "space", doc["theme"], "non-reserved meta still lands")

	row, _ := f.personal.GetRow(model.TableMyStories, id)
	require.Equal(t, "u1", row["userId"].StringOr(""))
}

func TestSave_PendingRegistryEvictsSettledWrites(t *testing.T) {
	f := newFixture(t, time.Second)

	first, err := f.svc.Save(context.Background(), Draft{Title: "first"})
	require.NoError(t, err)

	var last string
	for i := 0; i < maxPendingTracked+10; i++ {
		last, err = f.svc.Save(context.Background(), Draft{Title: "T"})
		require.NoError(t, err)
	}

	_, ok := f.svc.PendingState(first)
	require.False(t, ok, "settled writes past the cap are evicted")
	st, ok := f.svc.PendingState(last)
	require.True(t, ok)
	require.Equal(t, StateConfirmed, st)
}

func TestToggleFavorite_SignedOutShowsPromptOnly(t *testing.T) {
	f := newFixture(t, time.Second)
	f.ident.SetUser("")

	f.svc.ToggleFavorite(context.Background(), "s1")

	require.Equal(t, 1, f.rec.Count(notify.Info))
	require.False(t, f.personal.HasRow(model.TableFavorites, "s1"))
}

func TestToggleFavorite_AddThenRemove(t *testing.T) {
	f := newFixture(t, time.Second)

	f.svc.ToggleFavorite(context.Background(), "s1")
	require.True(t, f.personal.HasRow(model.TableFavorites, "s1"))
	doc, ok := f.remote.doc(remote.FavoriteDoc("u1", "s1"))
	require.True(t, ok)
	require.NotEmpty(t, doc["likedAt"])

	f.svc.ToggleFavorite(context.Background(), "s1")
	require.False(t, f.personal.HasRow(model.TableFavorites, "s1"))
	_, ok = f.remote.doc(remote.FavoriteDoc("u1", "s1"))
	require.False(t, ok)
}

func TestToggleFavorite_RemoteFailureRestoresMembership(t *testing.T) {
	f := newFixture(t, time.Second)

	// Add fails: membership stays absent.
	f.remote.setFn = func(remote.Path, map[string]any) error { return errors.New("offline") }
	f.svc.ToggleFavorite(context.Background(), "s1")
	require.False(t, f.personal.HasRow(model.TableFavorites, "s1"))
	require.Equal(t, 1, f.rec.Count(notify.Error))

	// Seed a favorite, then make removal fail: membership stays present.
	f.remote.setFn = nil
	f.svc.ToggleFavorite(context.Background(), "s1")
	require.True(t, f.personal.HasRow(model.TableFavorites, "s1"))

	f.remote.delFn = func(remote.Path) error { return errors.New("offline") }
	f.svc.ToggleFavorite(context.Background(), "s1")
	require.True(t, f.personal.HasRow(model.TableFavorites, "s1"), "failed removal must restore the row")
	require.Equal(t, 2, f.rec.Count(notify.Error))
}

func TestToggleFavorite_PermissionDeniedGetsDistinctMessage(t *testing.T) {
	f := newFixture(t, time.Second)
	f.remote.setFn = func(remote.Path, map[string]any) error {
		return errors.New("rpc error: code = PermissionDenied desc = permission-denied")
	}

	f.svc.ToggleFavorite(context.Background(), "s1")

	last, ok := f.rec.Last()
	require.True(t, ok)
	require.Equal(t, notify.Error, last.Kind)
	require.Contains(t, last.Message, "security rules")
}

func seedOwnedStory(f *fixture, id string) {
	f.personal.SetRow(model.TableMyStories, id, rowstore.Row{
		"id":         rowstore.String(id),
		"userId":     rowstore.String("u1"),
		"title":      rowstore.String("Mine"),
		"isPublic":   rowstore.Bool(true),
		"isFeatured": rowstore.Bool(true),
	})
}

func TestSetVisibility_RequiresLocalOwnership(t *testing.T) {
	f := newFixture(t, time.Second)
	err := f.svc.SetVisibility(context.Background(), "unknown", true)
	require.ErrorIs(t, err, model.ErrNotOwned)
}

func TestSetVisibility_PrivateClearsFeatured(t *testing.T) {
	f := newFixture(t, time.Second)
	seedOwnedStory(f, "s1")

	require.NoError(t, f.svc.SetVisibility(context.Background(), "s1", false))

	row, _ := f.personal.GetRow(model.TableMyStories, "s1")
	require.False(t, row["isPublic"].BoolOr(true))
	require.False(t, row["isFeatured"].BoolOr(true), "featured implies public, so private clears it")

	doc, ok := f.remote.doc(remote.StoryDoc("s1"))
	require.True(t, ok)
	require.Equal(t, false, doc["isPublic"])
	require.Equal(t, false, doc["isFeatured"])
}

func TestSetVisibility_RemoteFailureRestoresSnapshot(t *testing.T) {
	f := newFixture(t, time.Second)
	seedOwnedStory(f, "s1")
	f.remote.mergeFn = func(remote.Path, map[string]any) error { return errors.New("offline") }

	err := f.svc.SetVisibility(context.Background(), "s1", false)
	require.Error(t, err)

	row, _ := f.personal.GetRow(model.TableMyStories, "s1")
	require.True(t, row["isPublic"].BoolOr(false), "previous snapshot restored")
	require.True(t, row["isFeatured"].BoolOr(false))
}

func TestDelete_RemovesLocallyThenRemotely(t *testing.T) {
	f := newFixture(t, time.Second)
	seedOwnedStory(f, "s1")
	require.NoError(t, f.remote.Set(context.Background(), remote.StoryDoc("s1"), map[string]any{"title": "Mine"}))

	require.NoError(t, f.svc.Delete(context.Background(), "s1"))
	require.False(t, f.personal.HasRow(model.TableMyStories, "s1"))
	_, ok := f.remote.doc(remote.StoryDoc("s1"))
	require.False(t, ok)
}

func TestDelete_RemoteFailureRestoresSnapshot(t *testing.T) {
	f := newFixture(t, time.Second)
	seedOwnedStory(f, "s1")
	f.remote.delFn = func(remote.Path) error { return errors.New("offline") }

	err := f.svc.Delete(context.Background(), "s1")
	require.Error(t, err)
	require.True(t, f.personal.HasRow(model.TableMyStories, "s1"))
}

func TestPatchCoverImage_ToleratesMissingLocalRow(t *testing.T) {
	f := newFixture(t, time.Second)

	// No local row: expected race with the create flow; remote still patched.
	require.NoError(t, f.svc.PatchCoverImage(context.Background(), "s9", "https://img/cover.png"))
	doc, ok := f.remote.doc(remote.StoryDoc("s9"))
	require.True(t, ok)
	require.Equal(t, "https://img/cover.png", doc["coverImageUrl"])
	require.Empty(t, f.rec.All(), "missing local row is logged, never surfaced")
}

func TestPatchCoverImage_UpdatesLocalWhenOwned(t *testing.T) {
	f := newFixture(t, time.Second)
	seedOwnedStory(f, "s1")

	require.NoError(t, f.svc.PatchCoverImage(context.Background(), "s1", "https://img/c.png"))
	row, _ := f.personal.GetRow(model.TableMyStories, "s1")
	require.Equal(t, "https://img/c.png", row["coverImageUrl"].StringOr(""))
}
