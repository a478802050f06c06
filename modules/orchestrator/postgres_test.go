package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreypavlenko/formsender/modules/errorclass"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPostgresCandidateSource_FetchCandidates(t *testing.T) {
	mock := newMockPool(t)
	src := NewPostgresCandidateSource(mock, "companies", "send_queue")

	cols := []string{"record_id", "form_url", "client", "has_success", "has_failure"}
	mock.ExpectQuery("get_target_companies_with_sql").
		WithArgs("", "", int64(100), 10, nil).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(1), "https://example.com/contact", map[string]string{"name": "Acme"}, false, false))

	got, err := src.FetchCandidates(context.Background(), 100, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].RecordID)
	assert.Equal(t, "https://example.com/contact", got[0].FormURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCandidateSource_MaxID(t *testing.T) {
	mock := newMockPool(t)
	src := NewPostgresCandidateSource(mock, "companies", "send_queue")

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(9001)))

	got, err := src.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9001), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCandidateSource_CountSuccessfulToday(t *testing.T) {
	mock := newMockPool(t)
	src := NewPostgresCandidateSource(mock, "companies", "send_queue")

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	got, err := src.CountSuccessfulToday(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTargetingSource_Load(t *testing.T) {
	mock := newMockPool(t)
	src := NewPostgresTargetingSource(mock, "targetings")

	started := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"send_days_of_week", "send_start_time", "send_end_time", "max_daily_sends",
		"targeting_sql", "ng_companies", "started_at",
	}
	mock.ExpectQuery("FROM targetings").
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			[]int{1, 2, 3}, 540, 1080, 200, "status = 'active'", "", &started,
		))

	got, err := src.Load(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ID)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}, got.SendDaysOfWeek)
	assert.Equal(t, 540, got.SendStartTime)
	assert.Equal(t, 200, got.MaxDailySends)
	assert.True(t, got.StartedAt.Equal(started))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompanyFlagger_SetProhibitionDetected(t *testing.T) {
	mock := newMockPool(t)
	flagger := NewPostgresCompanyFlagger(mock, "companies")

	mock.ExpectExec("UPDATE companies").
		WithArgs(int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := flagger.SetProhibitionDetected(context.Background(), 12)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSubmissionWriter_WriteSubmission(t *testing.T) {
	mock := newMockPool(t)
	writer := NewPostgresSubmissionWriter(mock, "send_queue")

	mock.ExpectExec("INSERT INTO send_queue").
		WithArgs(int64(3), "success", "", "", false, []byte(`{"mapped_fields":3}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := writer.WriteSubmission(context.Background(), SubmissionRecord{
		RecordID:       3,
		Status:         StatusSuccess,
		ErrorType:      errorclass.Type(""),
		AdditionalData: map[string]any{"mapped_fields": 3},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
