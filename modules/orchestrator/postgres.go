package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCandidateSource implements CandidateSource against the
// get_target_companies_with_sql stored function, the same RPC the reference
// continuous processor calls rather than hand-rolling the join client-side.
type PostgresCandidateSource struct {
	pool           *pgxpool.Pool
	companyTable   string
	sendQueueTable string
}

func NewPostgresCandidateSource(pool *pgxpool.Pool, companyTable, sendQueueTable string) *PostgresCandidateSource {
	return &PostgresCandidateSource{pool: pool, companyTable: companyTable, sendQueueTable: sendQueueTable}
}

func (s *PostgresCandidateSource) FetchCandidates(ctx context.Context, startID int64, limit int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id, form_url, client, has_success, has_failure
		   FROM get_target_companies_with_sql($1, $2, $3, $4, $5)`,
		"", "", startID, limit, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("calling get_target_companies_with_sql: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.RecordID, &c.FormURL, &c.Client, &c.HasSuccess, &c.HasFailure); err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresCandidateSource) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, pgx.Identifier{s.companyTable}.Sanitize())
	if err := s.pool.QueryRow(ctx, query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("resolving max company id: %w", err)
	}
	return maxID, nil
}

func (s *PostgresCandidateSource) CountSuccessfulToday(ctx context.Context, targetingID int64) (int, error) {
	var count int
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		 WHERE targeting_id = $1
		   AND status = 'success'
		   AND created_at >= date_trunc('day', now() AT TIME ZONE 'Asia/Tokyo') AT TIME ZONE 'Asia/Tokyo'`,
		pgx.Identifier{s.sendQueueTable}.Sanitize())
	if err := s.pool.QueryRow(ctx, query, targetingID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting successful sends today: %w", err)
	}
	return count, nil
}

// PostgresTargetingSource loads one campaign's gating configuration from the
// targetings table by id.
type PostgresTargetingSource struct {
	pool           *pgxpool.Pool
	targetingTable string
}

func NewPostgresTargetingSource(pool *pgxpool.Pool, targetingTable string) *PostgresTargetingSource {
	return &PostgresTargetingSource{pool: pool, targetingTable: targetingTable}
}

func (s *PostgresTargetingSource) Load(ctx context.Context, targetingID int64) (Targeting, error) {
	query := fmt.Sprintf(`
		SELECT send_days_of_week, send_start_time, send_end_time, max_daily_sends,
		       targeting_sql, ng_companies, started_at
		  FROM %s WHERE id = $1`,
		pgx.Identifier{s.targetingTable}.Sanitize())

	var t Targeting
	var days []int
	var startedAt *time.Time
	if err := s.pool.QueryRow(ctx, query, targetingID).Scan(
		&days, &t.SendStartTime, &t.SendEndTime, &t.MaxDailySends,
		&t.TargetingSQL, &t.NGCompanies, &startedAt,
	); err != nil {
		return Targeting{}, fmt.Errorf("loading targeting %d: %w", targetingID, err)
	}
	t.ID = targetingID
	for _, d := range days {
		t.SendDaysOfWeek = append(t.SendDaysOfWeek, time.Weekday(d))
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	return t, nil
}

// PostgresCompanyFlagger implements CompanyFlagger against the company
// table's prohibition_detected flag.
type PostgresCompanyFlagger struct {
	pool         *pgxpool.Pool
	companyTable string
}

func NewPostgresCompanyFlagger(pool *pgxpool.Pool, companyTable string) *PostgresCompanyFlagger {
	return &PostgresCompanyFlagger{pool: pool, companyTable: companyTable}
}

func (f *PostgresCompanyFlagger) SetProhibitionDetected(ctx context.Context, recordID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET prohibition_detected = true WHERE id = $1`, pgx.Identifier{f.companyTable}.Sanitize())
	_, err := f.pool.Exec(ctx, query, recordID)
	if err != nil {
		return fmt.Errorf("flagging prohibition_detected: %w", err)
	}
	return nil
}

// PostgresSubmissionWriter implements SubmissionWriter against the
// configured send_queue table, inserting one row per attempted submission.
type PostgresSubmissionWriter struct {
	pool           *pgxpool.Pool
	sendQueueTable string
}

func NewPostgresSubmissionWriter(pool *pgxpool.Pool, sendQueueTable string) *PostgresSubmissionWriter {
	return &PostgresSubmissionWriter{pool: pool, sendQueueTable: sendQueueTable}
}

func (w *PostgresSubmissionWriter) WriteSubmission(ctx context.Context, rec SubmissionRecord) error {
	additionalJSON, err := json.Marshal(rec.AdditionalData)
	if err != nil {
		return fmt.Errorf("marshaling additional_data: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (record_id, status, error_type, error_message, bot_protection_detected, additional_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		pgx.Identifier{w.sendQueueTable}.Sanitize())
	if _, err := w.pool.Exec(ctx, query,
		rec.RecordID, string(rec.Status), string(rec.ErrorType), rec.ErrorMessage, rec.BotProtectionDetected, additionalJSON); err != nil {
		return fmt.Errorf("inserting send_queue row: %w", err)
	}
	return nil
}
