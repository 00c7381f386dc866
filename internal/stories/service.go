// Package stories is the write coordinator: every mutating story operation
// goes through here. Writes land in the local row store first, then race the
// remote write; the engine never leaves a local-only phantom row without
// either reconciling it or telling the user it might be wrong.
package stories

import (
	"context"
	gosync "sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/identity"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/notify"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// Service coordinates local-first mutations against the remote store.
type Service struct {
	personal *rowstore.Store
	remote   remote.Store
	identity identity.Provider
	notifier notify.Notifier
	log      zerolog.Logger
	timeout  time.Duration
	clock    func() time.Time

	pendMu    gosync.Mutex
	pending   map[string]*pendingWrite
	pendOrder []string
}

// maxPendingTracked bounds the write-race registry. Terminal entries older
// than the newest maxPendingTracked creates are evicted; entries still
// resolving are always kept.
const maxPendingTracked = 128

// Config wires a Service.
type Config struct {
	Personal      *rowstore.Store
	Remote        remote.Store
	Identity      identity.Provider
	Notifier      notify.Notifier
	Logger        zerolog.Logger
	CreateTimeout time.Duration
	Clock         func() time.Time
}

// NewService validates dependencies and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Personal == nil {
		return nil, errors.New("stories: personal store is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("stories: remote store is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("stories: identity provider is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Func(func(notify.Notice) {})
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		personal: cfg.Personal,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		notifier: cfg.Notifier,
		log:      cfg.Logger,
		timeout:  cfg.CreateTimeout,
		clock:    cfg.Clock,
		pending:  make(map[string]*pendingWrite),
	}, nil
}

// Draft is the caller-supplied content for a new story. Meta carries any
// loosely-typed extras (generation parameters and the like); it is sanitized
// on entry.
type Draft struct {
	Title     string
	Summary   string
	Narrative string
	Narrator  string
	AudioURL  string
	IsPublic  bool
	Meta      map[string]any
}

// SaveOption adjusts one Save call.
type SaveOption func(*saveOptions)

type saveOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the configured create timeout for one call.
func WithTimeout(d time.Duration) SaveOption {
	return func(o *saveOptions) { o.timeout = d }
}

// Save creates a story: optimistic local insert, then the remote write raced
// against the timeout. The caller never blocks longer than the timeout, and
// a background failure is never silent: it deletes the local echo and emits
// an error notice.
func (s *Service) Save(ctx context.Context, draft Draft, opts ...SaveOption) (string, error) {
	uid, ok := s.identity.CurrentUserID()
	if !ok {
		return "", model.ErrAuthRequired
	}

	o := saveOptions{timeout: s.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	id := s.remote.NewID()
	doc := s.buildDoc(uid, draft)
	row := rowstore.SanitizeDoc(doc)
	row["id"] = rowstore.String(id)
	s.personal.SetRow(model.TableMyStories, id, row)

	pw := newPendingWrite(id)
	s.trackPending(pw)

	// The remote write has no cancellation channel: once issued it runs to
	// completion regardless of the caller's context or the timeout.
	result := make(chan error, 1)
	writeCtx := context.WithoutCancel(ctx)
	go func() { result <- s.remote.Set(writeCtx, remote.StoryDoc(id), doc) }()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			s.personal.DelRow(model.TableMyStories, id)
			pw.rollback()
			return "", errors.Wrap(err, "save story")
		}
		pw.confirm()
		return id, nil

	case <-timer.C:
		pw.timeOut()
		notify.Infof(s.notifier, "Your story is saved here and still syncing to the cloud.")
		go s.awaitDeferredWrite(id, pw, result)
		return id, nil
	}
}

// awaitDeferredWrite handles the create whose remote write outlived the
// race. Success confirms quietly; failure deletes the optimistic row and
// notifies.
func (s *Service) awaitDeferredWrite(id string, pw *pendingWrite, result <-chan error) {
	err := <-result
	if err == nil {
		pw.confirm()
		return
	}
	s.log.Error().Err(err).Str("storyId", id).Msg("deferred story write failed, rolling back")
	s.personal.DelRow(model.TableMyStories, id)
	pw.rollback()
	notify.Errorf(s.notifier, "We couldn't save your story to the cloud. It has been removed.")
}

// trackPending registers a new write and evicts the oldest settled entries
// once the registry exceeds its cap.
func (s *Service) trackPending(pw *pendingWrite) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending[pw.id] = pw
	s.pendOrder = append(s.pendOrder, pw.id)

	for len(s.pending) > maxPendingTracked {
		evicted := false
		for i, id := range s.pendOrder {
			old, ok := s.pending[id]
			if ok {
				st := old.State()
				if st == StateOptimistic || st == StateTimedOutPendingConfirm {
					continue
				}
				delete(s.pending, id)
			}
			s.pendOrder = append(s.pendOrder[:i], s.pendOrder[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
}

// PendingState reports the write-race state for a story created this
// session.
func (s *Service) PendingState(id string) (WriteState, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	pw, ok := s.pending[id]
	if !ok {
		return 0, false
	}
	return pw.State(), true
}

// reservedStoryFields are owned by the coordinator: ownership, featuring,
// counters, timestamps, and the typed draft content. Caller Meta never
// overrides them.
var reservedStoryFields = map[string]struct{}{
	"id":             {},
	"userId":         {},
	"title":          {},
	"summary":        {},
	"narrative":      {},
	"narrator":       {},
	"audioUrl":       {},
	"coverImageUrl":  {},
	"isPublic":       {},
	"isFeatured":     {},
	"playCount":      {},
	"remixCount":     {},
	"favoritedCount": {},
	"createdAt":      {},
}

func (s *Service) buildDoc(uid string, draft Draft) map[string]any {
	doc := map[string]any{
		"userId":         uid,
		"title":          draft.Title,
		"isPublic":       draft.IsPublic,
		"isFeatured":     false,
		"playCount":      0,
		"remixCount":     0,
		"favoritedCount": 0,
		"createdAt":      s.clock().UTC().Format(time.RFC3339Nano),
	}
	if draft.Summary != "" {
		doc["summary"] = draft.Summary
	}
	if draft.Narrative != "" {
		doc["narrative"] = draft.Narrative
	}
	if draft.Narrator != "" {
		doc["narrator"] = draft.Narrator
	}
	if draft.AudioURL != "" {
		doc["audioUrl"] = draft.AudioURL
	}
	for k, v := range draft.Meta {
		if _, reserved := reservedStoryFields[k]; reserved {
			s.log.Debug().Str("field", k).Msg("dropping reserved field from draft meta")
			continue
		}
		if cell, ok := rowstore.Sanitize(v); ok {
			doc[k] = cell.Native()
		}
	}
	return doc
}

// ToggleFavorite flips favorite membership for storyID. Signed-out users get
// an informational prompt, not an error; a remote failure reverts the local
// change and surfaces a permission-aware notice. The caller never sees an
// error: the toggle is fire-and-forget.
func (s *Service) ToggleFavorite(ctx context.Context, storyID string) {
	uid, ok := s.identity.CurrentUserID()
	if !ok {
		notify.Infof(s.notifier, "Sign in to keep your favorite stories.")
		return
	}

	if prev, had := s.personal.GetRow(model.TableFavorites, storyID); had {
		s.personal.DelRow(model.TableFavorites, storyID)
		if err := s.remote.Delete(ctx, remote.FavoriteDoc(uid, storyID)); err != nil {
			s.personal.SetRow(model.TableFavorites, storyID, prev)
			s.notifyFavoriteError(err)
		}
		return
	}

	likedAt := s.clock().UTC().Format(time.RFC3339Nano)
	row := rowstore.Row{
		"id":      rowstore.String(storyID),
		"likedAt": rowstore.String(likedAt),
	}
	s.personal.SetRow(model.TableFavorites, storyID, row)
	if err := s.remote.Set(ctx, remote.FavoriteDoc(uid, storyID), map[string]any{"likedAt": likedAt}); err != nil {
		s.personal.DelRow(model.TableFavorites, storyID)
		s.notifyFavoriteError(err)
	}
}

// A permission-denied failure is a configuration problem, not a transient
// one; it gets its own actionable message.
func (s *Service) notifyFavoriteError(err error) {
	s.log.Error().Err(err).Msg("favorite toggle failed, reverted")
	if model.IsPermissionDenied(err) {
		notify.Errorf(s.notifier, "Favorites are blocked by server rules. The security rules need to be deployed.")
		return
	}
	notify.Errorf(s.notifier, "Couldn't update your favorites. Please try again.")
}

// SetVisibility makes an owned story public or private. Turning a story
// private also clears its featured flag, since featured implies public. The
// ownership check is local-only, trusting prior sync.
func (s *Service) SetVisibility(ctx context.Context, storyID string, public bool) error {
	if _, ok := s.identity.CurrentUserID(); !ok {
		return model.ErrAuthRequired
	}
	prev, ok := s.personal.GetRow(model.TableMyStories, storyID)
	if !ok {
		return model.ErrNotOwned
	}

	updated := prev.Clone()
	updated["isPublic"] = rowstore.Bool(public)
	fields := map[string]any{"isPublic": public}
	if !public {
		updated["isFeatured"] = rowstore.Bool(false)
		fields["isFeatured"] = false
	}
	s.personal.SetRow(model.TableMyStories, storyID, updated)

	if err := s.remote.Merge(ctx, remote.StoryDoc(storyID), fields); err != nil {
		s.personal.SetRow(model.TableMyStories, storyID, prev)
		return errors.Wrap(err, "set visibility")
	}
	return nil
}

// Delete removes an owned story. No timeout race here: there is no pending
// visual state to protect, so the call may block normally.
func (s *Service) Delete(ctx context.Context, storyID string) error {
	if _, ok := s.identity.CurrentUserID(); !ok {
		return model.ErrAuthRequired
	}
	prev, ok := s.personal.GetRow(model.TableMyStories, storyID)
	if !ok {
		return model.ErrNotOwned
	}

	s.personal.DelRow(model.TableMyStories, storyID)
	if err := s.remote.Delete(ctx, remote.StoryDoc(storyID)); err != nil {
		s.personal.SetRow(model.TableMyStories, storyID, prev)
		return errors.Wrap(err, "delete story")
	}
	return nil
}

// PatchCoverImage backfills the asynchronously generated cover after
// creation. The local row may legitimately be missing (race with the create
// flow); that is logged, not surfaced, and the remote merge happens
// regardless.
func (s *Service) PatchCoverImage(ctx context.Context, storyID, coverURL string) error {
	if _, ok := s.identity.CurrentUserID(); !ok {
		return model.ErrAuthRequired
	}

	prev, hadLocal := s.personal.GetRow(model.TableMyStories, storyID)
	if hadLocal {
		updated := prev.Clone()
		updated["coverImageUrl"] = rowstore.String(coverURL)
		s.personal.SetRow(model.TableMyStories, storyID, updated)
	} else {
		s.log.Debug().Str("storyId", storyID).Msg("cover patch before local row exists, merging remote only")
	}

	if err := s.remote.Merge(ctx, remote.StoryDoc(storyID), map[string]any{"coverImageUrl": coverURL}); err != nil {
		if hadLocal {
			s.personal.SetRow(model.TableMyStories, storyID, prev)
		}
		return errors.Wrap(err, "patch cover image")
	}
	return nil
}
