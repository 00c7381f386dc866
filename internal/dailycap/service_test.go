package dailycap

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/identity"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote/sqlite"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remotecfg"
)

func newTestService(t *testing.T, limit int) (*Service, *sqlite.Backend, *identity.Static) {
	t.Helper()
	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	backend, err := sqlite.NewWithDB(db, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	id := identity.NewStatic()
	id.SetUser("u1")
	svc, err := NewService(backend, remotecfg.Static(limit), id, zerolog.Nop())
	require.NoError(t, err)
	return svc, backend, id
}

func fixedClock(s string) func() time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return tm }
}

func TestFetchState_NoRecordMeansZero(t *testing.T) {
	svc, _, _ := newTestService(t, 3)

	st, err := svc.FetchState(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.CountToday)
	require.Equal(t, 3, st.Remaining)
	require.Equal(t, "UTC", st.TimeZone)
}

func TestFetchState_RolloverObservedWithoutWrite(t *testing.T) {
	svc, backend, _ := newTestService(t, 3)
	svc.WithClock(fixedClock("2025-06-02T12:00:00Z"))
	ctx := context.Background()

	// Yesterday's exhausted record must read as zero today, and reading must
	// not rewrite the document.
	stale := map[string]any{
		"timeZone":         "UTC",
		"dailyCreateDate":  "2025-06-01",
		"dailyCreateCount": 3.0,
	}
	require.NoError(t, backend.Set(ctx, remote.UserDoc("u1"), stale))

	st, err := svc.FetchState(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.CountToday)
	require.Equal(t, 3, st.Remaining)
	require.Equal(t, "2025-06-02", st.Day)

	data, err := backend.Get(ctx, remote.UserDoc("u1"))
	require.NoError(t, err)
	require.Equal(t, "2025-06-01", data["dailyCreateDate"], "read must not advance the stored day")
	require.EqualValues(t, 3, data["dailyCreateCount"])
}

func TestFetchState_TimeZoneShiftsDayKey(t *testing.T) {
	svc, _, id := newTestService(t, 3)
	// 03:00 UTC on June 2 is still June 1 in New York.
	svc.WithClock(fixedClock("2025-06-02T03:00:00Z"))
	id.SetTimeZone("America/New_York")

	st, err := svc.FetchState(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "2025-06-01", st.Day)
	require.Equal(t, "America/New_York", st.TimeZone)
}

func TestAssertUnderCap(t *testing.T) {
	svc, backend, _ := newTestService(t, 2)
	svc.WithClock(fixedClock("2025-06-02T12:00:00Z"))
	ctx := context.Background()

	require.NoError(t, svc.AssertUnderCap(ctx, "u1"))

	require.NoError(t, backend.Set(ctx, remote.UserDoc("u1"), map[string]any{
		"timeZone":         "UTC",
		"dailyCreateDate":  "2025-06-02",
		"dailyCreateCount": 2.0,
	}))
	err := svc.AssertUnderCap(ctx, "u1")
	require.True(t, errors.Is(err, model.ErrLimitReached))
}

func TestIncrement_CreatesThenAdvances(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	svc.WithClock(fixedClock("2025-06-02T12:00:00Z"))
	ctx := context.Background()

	require.NoError(t, svc.Increment(ctx, "u1"))
	require.NoError(t, svc.Increment(ctx, "u1"))

	st, err := svc.FetchState(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), st.CountToday)
	require.Equal(t, 1, st.Remaining)
}

func TestIncrement_ResetsCountOnNewDay(t *testing.T) {
	svc, backend, _ := newTestService(t, 3)
	svc.WithClock(fixedClock("2025-06-02T12:00:00Z"))
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, remote.UserDoc("u1"), map[string]any{
		"timeZone":         "UTC",
		"dailyCreateDate":  "2025-06-01",
		"dailyCreateCount": 3.0,
	}))

	require.NoError(t, svc.Increment(ctx, "u1"))

	data, err := backend.Get(ctx, remote.UserDoc("u1"))
	require.NoError(t, err)
	require.Equal(t, "2025-06-02", data["dailyCreateDate"])
	require.EqualValues(t, 1, data["dailyCreateCount"])
}

func TestIncrement_PreservesUnrelatedFields(t *testing.T) {
	svc, backend, _ := newTestService(t, 3)
	svc.WithClock(fixedClock("2025-06-02T12:00:00Z"))
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, remote.UserDoc("u1"), map[string]any{
		"displayName": "Ada",
	}))

	require.NoError(t, svc.Increment(ctx, "u1"))

	data, err := backend.Get(ctx, remote.UserDoc("u1"))
	require.NoError(t, err)
	require.Equal(t, "Ada", data["displayName"], "merge must not clobber the rest of the user doc")
	require.EqualValues(t, 1, data["dailyCreateCount"])
}
