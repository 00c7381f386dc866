// Package dailycap enforces the per-user daily story creation limit. Usage
// lives on the user's own remote document as a calendar-day key plus a count;
// the count is only meaningful while the stored day matches "today" in the
// user's timezone, so day rollover needs no scheduled job.
package dailycap

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/identity"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remotecfg"
)

const dayKeyLayout = "2006-01-02"

// State is the resolved cap position for one user at one instant.
type State struct {
	Limit      int
	CountToday int64
	Remaining  int
	Day        string // calendar-day key the count applies to
	TimeZone   string
}

// Service reads and advances the per-user usage record.
type Service struct {
	remote   remote.Store
	limits   remotecfg.Provider
	identity identity.Provider
	clock    func() time.Time
	log      zerolog.Logger
}

// NewService constructs the cap service.
func NewService(store remote.Store, limits remotecfg.Provider, id identity.Provider, log zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("dailycap: remote store is required")
	}
	if limits == nil {
		return nil, errors.New("dailycap: limit provider is required")
	}
	if id == nil {
		return nil, errors.New("dailycap: identity provider is required")
	}
	return &Service{
		remote:   store,
		limits:   limits,
		identity: id,
		clock:    time.Now,
		log:      log.With().Str("component", "dailycap").Logger(),
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// FetchState resolves the user's current cap position. A stored record whose
// day key is not today counts as zero; rollover is observed, never written,
// so a pure read leaves the document untouched.
func (s *Service) FetchState(ctx context.Context, userID string) (State, error) {
	limit := s.limits.DailyStoryLimit(ctx)

	rec, err := s.readRecord(ctx, userID)
	if err != nil {
		return State{}, err
	}

	tz := s.resolveTimeZone(rec.TimeZone)
	day := s.dayKey(tz)

	var count int64
	if rec.Day == day {
		count = rec.Count
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return State{
		Limit:      limit,
		CountToday: count,
		Remaining:  remaining,
		Day:        day,
		TimeZone:   tz,
	}, nil
}

// AssertUnderCap returns model.ErrLimitReached when the user has exhausted
// today's allowance.
func (s *Service) AssertUnderCap(ctx context.Context, userID string) error {
	st, err := s.FetchState(ctx, userID)
	if err != nil {
		return err
	}
	if st.CountToday >= int64(st.Limit) {
		s.log.Debug().Str("userId", userID).Int("limit", st.Limit).Msg("daily cap reached")
		return errors.Wrapf(model.ErrLimitReached, "daily story limit of %d reached", st.Limit)
	}
	return nil
}

// Increment records one story creation. The day key is re-derived inside the
// transaction so a create that straddles midnight lands on the correct day,
// and a stale same-process read cannot resurrect yesterday's count.
func (s *Service) Increment(ctx context.Context, userID string) error {
	doc := remote.UserDoc(userID)
	err := s.remote.RunTransaction(ctx, func(tx remote.Tx) error {
		data, err := tx.Get(doc)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		rec := recordFromDoc(data)

		tz := s.resolveTimeZone(rec.TimeZone)
		day := s.dayKey(tz)

		var count int64
		if rec.Day == day {
			count = rec.Count
		}
		return tx.Merge(doc, map[string]any{
			"timeZone":         tz,
			"dailyCreateDate":  day,
			"dailyCreateCount": count + 1,
		})
	})
	if err != nil {
		return errors.Wrap(err, "increment daily create count")
	}
	return nil
}

func (s *Service) readRecord(ctx context.Context, userID string) (model.DailyCapRecord, error) {
	data, err := s.remote.Get(ctx, remote.UserDoc(userID))
	if errors.Is(err, model.ErrNotFound) {
		return model.DailyCapRecord{}, nil
	}
	if err != nil {
		return model.DailyCapRecord{}, errors.Wrap(err, "read usage record")
	}
	return recordFromDoc(data), nil
}

// resolveTimeZone prefers the signed-in preference, then the stored record,
// then UTC.
func (s *Service) resolveTimeZone(stored string) string {
	if tz := s.identity.TimeZone(); tz != "" {
		return tz
	}
	if stored != "" {
		return stored
	}
	return "UTC"
}

// dayKey formats the current instant as a calendar day in tz. An unknown
// zone name degrades to UTC rather than failing the operation.
func (s *Service) dayKey(tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn().Str("timeZone", tz).Msg("unknown timezone, using UTC for day key")
		loc = time.UTC
	}
	return s.clock().In(loc).Format(dayKeyLayout)
}

func recordFromDoc(data map[string]any) model.DailyCapRecord {
	var rec model.DailyCapRecord
	if tz, ok := data["timeZone"].(string); ok {
		rec.TimeZone = tz
	}
	if day, ok := data["dailyCreateDate"].(string); ok {
		rec.Day = day
	}
	switch v := data["dailyCreateCount"].(type) {
	case int64:
		rec.Count = v
	case float64:
		rec.Count = int64(v)
	case int:
		rec.Count = int64(v)
	}
	return rec
}
