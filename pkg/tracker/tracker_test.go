package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	return New(log, nil)
}

func query(sql string) record.QueryEvent {
	return record.QueryEvent{SQL: sql, Duration: time.Millisecond}
}

func TestSingleLaneAttribution(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()
	ctx := WithLane(context.Background(), lane)

	h, err := tr.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	tr.AttributeQuery(ctx, query("Q1"))
	tr.AttributeQuery(ctx, query("Q2"))

	rec, err := tr.End(h, record.StatusPassed, epoch.Add(20*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, "T1", rec.ID)
	assert.Equal(t, record.StatusPassed, rec.Status)
	assert.Equal(t, int64(20), rec.DurationMS)
	require.Len(t, rec.Database.Queries, 2)
	assert.Equal(t, "Q1", rec.Database.Queries[0].SQL)
	assert.Equal(t, "Q2", rec.Database.Queries[1].SQL)
	assert.Equal(t, 0, tr.Lanes())
}

func TestLaneIsolation(t *testing.T) {
	tr := newTestTracker(t)

	const (
		lanes   = 8
		perLane = 200
	)

	records := make([]*record.TestRecord, lanes)

	var g errgroup.Group

	for i := 0; i < lanes; i++ {
		g.Go(func() error {
			lane := NewLane()
			ctx := WithLane(context.Background(), lane)
			identity := fmt.Sprintf("T%d", i)

			h, err := tr.Begin(lane, identity, epoch)
			if err != nil {
				return err
			}

			for j := 0; j < perLane; j++ {
				tr.AttributeQuery(ctx, query(fmt.Sprintf("%s-Q%d", identity, j)))
			}

			rec, err := tr.End(h, record.StatusPassed, epoch.Add(time.Second))
			if err != nil {
				return err
			}

			records[i] = rec

			return nil
		})
	}

	require.NoError(t, g.Wait())

	for i, rec := range records {
		require.NotNil(t, rec)
		require.Len(t, rec.Database.Queries, perLane)

		for j, q := range rec.Database.Queries {
			assert.Equal(t, fmt.Sprintf("T%d-Q%d", i, j), q.SQL)
		}
	}

	assert.Zero(t, tr.Unattributed().Queries)
}

func TestNestedBegin(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()
	ctx := WithLane(context.Background(), lane)

	outer, err := tr.Begin(lane, "outer", epoch)
	require.NoError(t, err)

	tr.AttributeQuery(ctx, query("before"))

	inner, err := tr.Begin(lane, "inner", epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Active(lane))

	tr.AttributeQuery(ctx, query("during"))

	_, err = tr.End(outer, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrNotTop)
	assert.Equal(t, 2, tr.Active(lane), "failed end leaves the stack untouched")

	innerRec, err := tr.End(inner, record.StatusPassed, epoch)
	require.NoError(t, err)

	tr.AttributeQuery(ctx, query("after"))

	outerRec, err := tr.End(outer, record.StatusFailed, epoch)
	require.NoError(t, err)

	require.Len(t, innerRec.Database.Queries, 1)
	assert.Equal(t, "during", innerRec.Database.Queries[0].SQL)

	require.Len(t, outerRec.Database.Queries, 2)
	assert.Equal(t, "before", outerRec.Database.Queries[0].SQL)
	assert.Equal(t, "after", outerRec.Database.Queries[1].SQL)
}

func TestEndTwice(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()

	h, err := tr.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	_, err = tr.End(h, record.StatusPassed, epoch)
	require.NoError(t, err)

	rec, err := tr.End(h, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrAlreadyEnded)
	assert.Nil(t, rec)

	// A later test on the same lane is unaffected.
	h2, err := tr.Begin(lane, "T2", epoch)
	require.NoError(t, err)

	_, err = tr.End(h, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrAlreadyEnded)
	assert.Equal(t, 1, tr.Active(lane))

	_, err = tr.End(h2, record.StatusPassed, epoch)
	require.NoError(t, err)
}

func TestBeginErrors(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.Begin(NewLane(), "", epoch)
	require.ErrorIs(t, err, ErrEmptyIdentity)

	_, err = tr.End(nil, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrUnknownHandle)

	other := newTestTracker(t)
	lane := NewLane()

	h, err := other.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	_, err = tr.End(h, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrUnknownHandle)

	_, err = other.End(h, record.Status("flaky"), epoch)
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, 1, other.Active(lane))
}

func TestUnattributed(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()

	tr.AttributeQuery(context.Background(), query("no lane"))
	tr.AttributeQuery(WithLane(context.Background(), lane), query("idle lane"))
	tr.AttributeNetwork(WithLane(context.Background(), lane), record.NetworkEvent{URL: "http://x"})

	assert.Equal(t, record.Unattributed{Queries: 2, Network: 1}, tr.Unattributed())

	// Events on another lane never leak into an active test.
	h, err := tr.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	tr.AttributeQuery(WithLane(context.Background(), NewLane()), query("other lane"))

	rec, err := tr.End(h, record.StatusPassed, epoch)
	require.NoError(t, err)
	assert.Zero(t, rec.Database.Count)
	assert.Equal(t, int64(3), tr.Unattributed().Queries)
}

func TestNetworkSection(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()
	ctx := WithLane(context.Background(), lane)

	h, err := tr.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	tr.AttributeNetwork(ctx, record.NetworkEvent{URL: "https://api.example.com/a", Permitted: true, Duration: 12 * time.Millisecond})
	tr.AttributeNetwork(ctx, record.NetworkEvent{URL: "https://blocked.example.com", Permitted: false})
	tr.AttributeNetwork(ctx, record.NetworkEvent{URL: "https://api.example.com/a", Permitted: true, Duration: 3 * time.Millisecond})

	rec, err := tr.End(h, record.StatusPassed, epoch)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.Network.TotalCalls)
	assert.Equal(t, 1, rec.Network.Blocked)
	assert.Equal(t, []string{"https://api.example.com/a", "https://blocked.example.com"}, rec.Network.URLs)
	require.Len(t, rec.Network.Calls, 3)
	assert.Equal(t, int64(12), rec.Network.Calls[0].DurationMS)
	assert.False(t, rec.Network.Calls[1].Permitted)
}

func TestAbandon(t *testing.T) {
	log, hook := test.NewNullLogger()
	tr := New(log, nil)
	lane := NewLane()

	_, err := tr.Begin(lane, "outer", epoch)
	require.NoError(t, err)

	inner, err := tr.Begin(lane, "inner", epoch)
	require.NoError(t, err)

	recs := tr.Abandon(lane, epoch.Add(time.Second))
	require.Len(t, recs, 2)
	assert.Equal(t, "inner", recs[0].ID)
	assert.Equal(t, "outer", recs[1].ID)

	for _, rec := range recs {
		assert.Equal(t, record.StatusError, rec.Status)
	}

	assert.Zero(t, tr.Active(lane))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	_, err = tr.End(inner, record.StatusPassed, epoch)
	require.ErrorIs(t, err, ErrAlreadyEnded)

	assert.Nil(t, tr.Abandon(lane, epoch))
}

func TestEndBeforeBeginClampsDuration(t *testing.T) {
	tr := newTestTracker(t)
	lane := NewLane()

	h, err := tr.Begin(lane, "T1", epoch)
	require.NoError(t, err)

	rec, err := tr.End(h, record.StatusPassed, epoch.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, rec.DurationMS)
	assert.Equal(t, rec.StartTime, rec.EndTime)
}

func TestLaneFrom(t *testing.T) {
	_, ok := LaneFrom(context.Background())
	assert.False(t, ok)

	lane := NewLane()
	got, ok := LaneFrom(WithLane(context.Background(), lane))
	assert.True(t, ok)
	assert.Equal(t, lane, got)
	assert.NotEqual(t, lane, NewLane())
}
