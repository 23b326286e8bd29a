package locationlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/database/dbtest"
	"github.com/soypete/locationcapture/pkg/location"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(ts int64) location.Sample {
	return location.Sample{
		Timestamp: ts,
		Latitude:  51.5,
		Longitude: -0.12,
		Accuracy:  8,
		Heading:   location.Unavailable,
		Speed:     location.Unavailable,
	}
}

func newTestLog(t *testing.T, opts ...Option) (*Log, *database.DB) {
	t.Helper()
	db := dbtest.Open(t)
	opts = append([]Option{WithNowFunc(func() time.Time { return baseTime })}, opts...)
	l, err := New(context.Background(), db, opts...)
	require.NoError(t, err)
	return l, db
}

func timestamps(samples []location.Sample) []int64 {
	out := make([]int64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

func TestRetrievePagination(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	t0 := baseTime.Unix()
	require.NoError(t, l.Add(ctx, sampleAt(t0), sampleAt(t0+60), sampleAt(t0+120)))

	first, err := l.Retrieve(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{t0, t0 + 60}, timestamps(first.Samples))

	rest, err := l.Retrieve(ctx, first.NextAnchor, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{t0 + 120}, timestamps(rest.Samples))

	done, err := l.Retrieve(ctx, rest.NextAnchor, 5)
	require.NoError(t, err)
	assert.Empty(t, done.Samples)
	assert.Equal(t, rest.NextAnchor, done.NextAnchor)
}

func TestRetrieveConcatenatesEverything(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	t0 := baseTime.Unix()
	var want []int64
	for batch := 0; batch < 5; batch++ {
		var samples []location.Sample
		for i := 0; i <= batch; i++ {
			ts := t0 + int64(len(want))
			want = append(want, ts)
			samples = append(samples, sampleAt(ts))
		}
		require.NoError(t, l.Add(ctx, samples...))
	}

	all, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Equal(t, want, timestamps(all.Samples))

	for _, pageSize := range []int{1, 2, 3, 7, 100} {
		var got []int64
		var anchor Anchor
		for {
			page, err := l.Retrieve(ctx, anchor, pageSize)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Samples), pageSize)
			if len(page.Samples) == 0 {
				break
			}
			got = append(got, timestamps(page.Samples)...)
			anchor = page.NextAnchor
		}
		assert.Equal(t, want, got, "page size %d", pageSize)
	}
}

func TestSequenceIDsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	t0 := baseTime.Unix()
	require.NoError(t, l.Add(ctx, sampleAt(t0), sampleAt(t0+1)))
	require.NoError(t, l.Add(ctx, sampleAt(t0+2)))

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	require.Len(t, res.Samples, 3)
	for i := 1; i < len(res.Samples); i++ {
		assert.Greater(t, res.Samples[i].SequenceID, res.Samples[i-1].SequenceID)
	}
}

func TestSequenceIDsNotReusedAfterPrune(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	old := baseTime.Add(-72 * time.Hour).Unix()
	require.NoError(t, l.Add(ctx, sampleAt(old), sampleAt(old+1)))

	before, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	maxBefore := before.Samples[len(before.Samples)-1].SequenceID

	require.NoError(t, l.SetRetention(1))
	pruned, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))
	after, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	require.Len(t, after.Samples, 1)
	assert.Greater(t, after.Samples[0].SequenceID, maxBefore)
}

func TestLatestAnchor(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	t.Run("empty log", func(t *testing.T) {
		a, err := l.LatestAnchor(ctx)
		require.NoError(t, err)
		assert.True(t, a.IsStart())
	})

	t0 := baseTime.Unix()
	require.NoError(t, l.Add(ctx, sampleAt(t0), sampleAt(t0+1)))

	anchor, err := l.LatestAnchor(ctx)
	require.NoError(t, err)

	t.Run("excludes samples added before", func(t *testing.T) {
		res, err := l.Retrieve(ctx, anchor, -1)
		require.NoError(t, err)
		assert.Empty(t, res.Samples)
		assert.Equal(t, anchor, res.NextAnchor)
	})

	t.Run("includes only samples added after", func(t *testing.T) {
		require.NoError(t, l.Add(ctx, sampleAt(t0+2)))

		res, err := l.Retrieve(ctx, anchor, -1)
		require.NoError(t, err)
		assert.Equal(t, []int64{t0 + 2}, timestamps(res.Samples))
	})
}

func TestLatestAnchorMonotonicAfterPrune(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, WithRetentionDays(1))

	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Add(-48*time.Hour).Unix())))
	before, err := l.LatestAnchor(ctx)
	require.NoError(t, err)

	_, err = l.Prune(ctx)
	require.NoError(t, err)

	after, err := l.LatestAnchor(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, after.IsStart())
}

func TestRetrieveEmptyLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Empty(t, res.Samples)
	assert.Equal(t, StartAnchor, res.NextAnchor)

	again, err := l.Retrieve(ctx, res.NextAnchor, 10)
	require.NoError(t, err)
	assert.Empty(t, again.Samples)
	assert.Equal(t, StartAnchor, again.NextAnchor)
}

func TestRetrieveRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	_, err := l.Retrieve(ctx, "not-an-anchor", 10)
	assert.ErrorIs(t, err, ErrInvalidAnchor)

	for _, limit := range []int{0, -2} {
		_, err := l.Retrieve(ctx, "", limit)
		assert.ErrorIs(t, err, ErrInvalidLimit, "limit %d", limit)
	}
}

func TestRetentionScenario(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	require.NoError(t, l.SetRetention(1))
	now := baseTime.Unix()
	twoDaysAgo := baseTime.Add(-48 * time.Hour).Unix()
	require.NoError(t, l.Add(ctx, sampleAt(twoDaysAgo), sampleAt(now)))

	_, err := l.Prune(ctx)
	require.NoError(t, err)

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{now}, timestamps(res.Samples))
}

func TestZeroRetentionPrunesBeforeNow(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	now := baseTime.Unix()
	require.NoError(t, l.Add(ctx, sampleAt(now-1), sampleAt(now), sampleAt(now+30)))
	require.NoError(t, l.SetRetention(0))

	pruned, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{now, now + 30}, timestamps(res.Samples))
}

func TestRecreateClearsSyncCheckpoints(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLog(t)
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))

	countCheckpoints := func() int64 {
		var n int64
		require.NoError(t, db.Do(ctx, func(conn *database.Conn) error {
			rows, err := conn.Query(ctx, `SELECT COUNT(*) FROM sync_checkpoints`)
			if err != nil {
				return err
			}
			n, err = rows[0].Int64(0)
			return err
		}))
		return n
	}

	require.NoError(t, db.Do(ctx, func(conn *database.Conn) error {
		return conn.Execute(ctx,
			`INSERT INTO sync_checkpoints (name, anchor, updated_at) VALUES ('upload', ?, 0)`,
			anchorFor(1).String())
	}))

	// Reopening an unchanged table keeps checkpoints.
	_, err := New(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), countCheckpoints())

	require.NoError(t, db.Do(ctx, func(conn *database.Conn) error {
		return conn.Execute(ctx, `DROP TABLE location_log`)
	}))
	recreated, err := New(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, countCheckpoints())

	latest, err := recreated.LatestAnchor(ctx)
	require.NoError(t, err)
	assert.Equal(t, StartAnchor, latest)
}

func TestSetRetentionIsLazy(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	old := baseTime.Add(-10 * 24 * time.Hour).Unix()
	require.NoError(t, l.Add(ctx, sampleAt(old)))

	require.NoError(t, l.SetRetention(2))
	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 1, "setting retention must not prune by itself")

	pruned, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestKeepForeverDisablesPruning(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, WithRetentionDays(1), WithPruneInterval(0))

	require.NoError(t, l.SetRetention(KeepForever))
	ancient := baseTime.AddDate(-5, 0, 0).Unix()
	require.NoError(t, l.Add(ctx, sampleAt(ancient)))
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))

	pruned, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 2)
}

func TestAddPrunesOpportunistically(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, WithRetentionDays(1), WithPruneInterval(0))

	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Add(-48*time.Hour).Unix())))
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{baseTime.Unix()}, timestamps(res.Samples))
}

func TestPruneIntervalThrottlesAdd(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	l, _ := newTestLog(t,
		WithRetentionDays(1),
		WithPruneInterval(time.Hour),
		WithNowFunc(func() time.Time { return now }),
	)

	// First Add prunes (nothing yet) and starts the interval.
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Add(-48*time.Hour).Unix())))
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 2, "second add falls inside the prune interval")

	now = baseTime.Add(2 * time.Hour)
	require.NoError(t, l.Add(ctx, sampleAt(now.Unix())))

	res, err = l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 2)
	assert.Equal(t, baseTime.Unix(), res.Samples[0].Timestamp)
}

func TestAnchorPastPrunedRows(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	old := baseTime.Add(-48 * time.Hour).Unix()
	require.NoError(t, l.Add(ctx, sampleAt(old), sampleAt(old+1), sampleAt(baseTime.Unix())))

	page, err := l.Retrieve(ctx, "", 1)
	require.NoError(t, err)

	require.NoError(t, l.SetRetention(1))
	_, err = l.Prune(ctx)
	require.NoError(t, err)

	res, err := l.Retrieve(ctx, page.NextAnchor, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{baseTime.Unix()}, timestamps(res.Samples))
}

func TestAddIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	bad := sampleAt(baseTime.Unix())
	bad.Latitude = 123

	err := l.Add(ctx, sampleAt(baseTime.Unix()), bad)
	assert.ErrorIs(t, err, location.ErrInvalidSample)

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Empty(t, res.Samples)
}

func TestAddOnClosedStore(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLog(t)
	require.NoError(t, db.Close())

	err := l.Add(ctx, sampleAt(baseTime.Unix()))
	assert.ErrorIs(t, err, database.ErrUnavailable)
}

func TestSetRetentionRejectsInvalid(t *testing.T) {
	l, _ := newTestLog(t)

	assert.ErrorIs(t, l.SetRetention(-2), ErrInvalidRetention)
	assert.Equal(t, KeepForever, l.Retention())

	require.NoError(t, l.SetRetention(0))
	assert.Equal(t, 0, l.Retention())
}

func TestConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix()+int64(w*perWriter+i))))
			}
		}(w)
	}
	wg.Wait()

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	require.Len(t, res.Samples, writers*perWriter)

	seen := make(map[int64]bool)
	for i, s := range res.Samples {
		assert.False(t, seen[s.SequenceID])
		seen[s.SequenceID] = true
		if i > 0 {
			assert.Greater(t, s.SequenceID, res.Samples[i-1].SequenceID)
		}
	}
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLog(t)
	require.NoError(t, l.Add(ctx, sampleAt(baseTime.Unix())))

	reopened, err := New(ctx, db)
	require.NoError(t, err)

	res, err := reopened.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 1)
}

func TestSamplesRoundTripFields(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	in := location.Sample{
		Timestamp: baseTime.Unix(),
		Latitude:  -33.8688,
		Longitude: 151.2093,
		Accuracy:  4.25,
		Heading:   270.5,
		Speed:     12.75,
	}
	require.NoError(t, l.Add(ctx, in))

	res, err := l.Retrieve(ctx, "", -1)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)

	out := res.Samples[0]
	assert.NotZero(t, out.SequenceID)
	out.SequenceID = 0
	assert.Equal(t, in, out)
}
