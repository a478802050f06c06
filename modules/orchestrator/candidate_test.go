package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandidateSource struct {
	rows        []Candidate
	maxID       int64
	successesToday int
}

func (f *fakeCandidateSource) FetchCandidates(ctx context.Context, startID int64, limit int) ([]Candidate, error) {
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	return f.rows[:limit], nil
}

func (f *fakeCandidateSource) MaxID(ctx context.Context) (int64, error) {
	return f.maxID, nil
}

func (f *fakeCandidateSource) CountSuccessfulToday(ctx context.Context, targetingID int64) (int, error) {
	return f.successesToday, nil
}

func TestEligible_RejectsOutOfRangeQuota(t *testing.T) {
	sel := NewCandidateSelector(&fakeCandidateSource{}, t.TempDir())
	ok, reason, err := sel.Eligible(context.Background(), Targeting{MaxDailySends: 0})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "max_daily_sends")
}

func TestEligible_RejectsQuotaReached(t *testing.T) {
	source := &fakeCandidateSource{successesToday: 50}
	sel := NewCandidateSelector(source, t.TempDir())
	now := time.Now().In(jst)
	ok, reason, err := sel.Eligible(context.Background(), Targeting{
		MaxDailySends:  50,
		SendStartTime:  0,
		SendEndTime:    23*60 + 59,
		SendDaysOfWeek: []time.Weekday{now.Weekday()},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "daily quota reached", reason)
}

func TestEligible_AllowsWithinWindow(t *testing.T) {
	source := &fakeCandidateSource{successesToday: 1}
	sel := NewCandidateSelector(source, t.TempDir())
	now := time.Now().In(jst)
	ok, _, err := sel.Eligible(context.Background(), Targeting{
		MaxDailySends:  50,
		SendStartTime:  0,
		SendEndTime:    23*60 + 59,
		SendDaysOfWeek: []time.Weekday{now.Weekday()},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateFragments_RejectsDangerousSQL(t *testing.T) {
	err := ValidateFragments(Targeting{TargetingSQL: "id > 0; DROP TABLE companies"})
	assert.Error(t, err)
}

func TestValidateFragments_AllowsPlainFragment(t *testing.T) {
	err := ValidateFragments(Targeting{TargetingSQL: "industry = 'retail'"})
	assert.NoError(t, err)
}

func TestPrioritize_ExcludesAnySuccessPrefersFresh(t *testing.T) {
	rows := []Candidate{
		{RecordID: 1, HasSuccess: true},
		{RecordID: 2},
		{RecordID: 3, HasFailure: true},
	}
	result := prioritize(rows)
	require.Len(t, result, 2)
	assert.Equal(t, int64(2), result[0].RecordID)
	assert.Equal(t, int64(3), result[1].RecordID)
}

func TestFetch_StreamsInChunksOfTen(t *testing.T) {
	rows := make([]Candidate, 25)
	for i := range rows {
		rows[i] = Candidate{RecordID: int64(i + 1), FormURL: "https://example.test/form"}
	}
	source := &fakeCandidateSource{rows: rows, maxID: 25}
	sel := NewCandidateSelector(source, t.TempDir())

	stream, err := sel.Fetch(context.Background(), Targeting{MaxDailySends: 10, TargetingSQL: "industry = 'retail'"})
	require.NoError(t, err)

	var total int
	for chunk := range stream {
		assert.LessOrEqual(t, len(chunk), streamChunkSize)
		total += len(chunk)
	}
	assert.Equal(t, 25, total)
}
