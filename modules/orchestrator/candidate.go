package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	maxDailySendsFloor = 0
	maxDailySendsCeil  = 50000
	maxCandidateRows   = 1000
	targetingSQLMaxLen = 2000
	ngCompaniesMaxLen  = 500
	streamChunkSize    = 10
	businessHourWindow = 5 * time.Hour
)

// dangerousSQLFragments is the deny-list applied to the targeting_sql
// fragment before it reaches the candidate-fetch procedure. The fragment
// is operator-authored campaign config, not end-user input, but it still
// crosses a trust boundary into a raw SQL string.
var dangerousSQLFragments = regexp.MustCompile(`(?i)DROP|DELETE|UPDATE|INSERT|CREATE|ALTER|EXEC|EXECUTE|UNION|SCRIPT|DECLARE|TRUNCATE|GRANT|REVOKE|SET|RESET|--|;|/\*|\*/|' OR '|" OR "|1=1|OR 1|OR TRUE`)

// Targeting is the campaign-level configuration gating candidate selection.
type Targeting struct {
	ID             int64
	SendDaysOfWeek []time.Weekday
	SendStartTime  int // minutes since JST midnight
	SendEndTime    int
	MaxDailySends  int
	TargetingSQL   string
	NGCompanies    string
	StartedAt      time.Time
}

// Candidate is one row of a candidate-fetch result: a company with a form
// worth attempting.
type Candidate struct {
	RecordID   int64
	FormURL    string
	Client     map[string]string
	HasSuccess bool
	HasFailure bool
}

// CandidateSource is the narrow persistence port the selector depends on:
// the actual candidate fetch lives behind a stored Postgres function (the
// max-id lookup and the daily-success count are plain queries), mirroring
// the teacher's preference
// for pool.Query against a named procedure over hand-rolled joins.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, startID int64, limit int) ([]Candidate, error)
	MaxID(ctx context.Context) (int64, error)
	CountSuccessfulToday(ctx context.Context, targetingID int64) (int, error)
}

var jst = time.FixedZone("JST", 9*60*60)

// CandidateSelector gates and streams candidates for one targeting
// campaign, matching the business-hour/daily-quota preconditions and
// two-phase (no-submission-first, then all-failures) priority.
type CandidateSelector struct {
	source   CandidateSource
	tempDir  string
}

func NewCandidateSelector(source CandidateSource, tempDir string) *CandidateSelector {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "form_sender_candidates")
	}
	_ = os.MkdirAll(tempDir, 0o755)
	return &CandidateSelector{source: source, tempDir: tempDir}
}

// Eligible reports whether dispatching is currently allowed for targeting,
// per the business-hour and daily-quota preconditions. reason is set on
// ineligibility for logging.
func (s *CandidateSelector) Eligible(ctx context.Context, t Targeting) (ok bool, reason string, err error) {
	if t.MaxDailySends <= maxDailySendsFloor || t.MaxDailySends > maxDailySendsCeil {
		return false, "max_daily_sends out of range", nil
	}
	if !t.StartedAt.IsZero() && time.Since(t.StartedAt) >= businessHourWindow {
		return false, "elapsed time exceeds 5h window", nil
	}

	now := time.Now().In(jst)
	if !weekdayAllowed(now.Weekday(), t.SendDaysOfWeek) {
		return false, "outside send_days_of_week", nil
	}
	minuteOfDay := now.Hour()*60 + now.Minute()
	if minuteOfDay < t.SendStartTime || minuteOfDay > t.SendEndTime {
		return false, "outside send_start_time/send_end_time window", nil
	}

	count, err := s.source.CountSuccessfulToday(ctx, t.ID)
	if err != nil {
		return false, "", fmt.Errorf("count successful sends today: %w", err)
	}
	if count >= t.MaxDailySends {
		return false, "daily quota reached", nil
	}
	return true, "", nil
}

func weekdayAllowed(today time.Weekday, allowed []time.Weekday) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == today {
			return true
		}
	}
	return false
}

// ValidateFragments checks targeting_sql against the deny-list and its
// length cap, and ng_companies against its length cap only, before they
// reach the candidate-fetch query.
func ValidateFragments(t Targeting) error {
	if len(t.TargetingSQL) > targetingSQLMaxLen {
		return fmt.Errorf("targeting_sql exceeds %d characters", targetingSQLMaxLen)
	}
	if dangerousSQLFragments.MatchString(t.TargetingSQL) {
		return fmt.Errorf("targeting_sql contains a disallowed token")
	}
	if len(t.NGCompanies) > ngCompaniesMaxLen {
		return fmt.Errorf("ng_companies exceeds %d characters", ngCompaniesMaxLen)
	}
	return nil
}

// Fetch pulls up to maxCandidateRows candidates starting from a random id,
// applies two-phase priority, persists the batch to a tempfile, and
// returns a stream channel yielding streamChunkSize candidates at a time.
func (s *CandidateSelector) Fetch(ctx context.Context, t Targeting) (<-chan []Candidate, error) {
	if err := ValidateFragments(t); err != nil {
		return nil, err
	}

	maxID, err := s.source.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve max id: %w", err)
	}
	startID := int64(1)
	if maxID > 1 {
		startID = rand.Int63n(maxID) + 1
	}

	rows, err := s.source.FetchCandidates(ctx, startID, maxCandidateRows)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	if len(rows) < maxCandidateRows {
		seen := make(map[int64]bool, len(rows))
		for _, r := range rows {
			seen[r.RecordID] = true
		}
		supplement, err := s.source.FetchCandidates(ctx, 1, maxCandidateRows-len(rows))
		if err == nil {
			for _, r := range supplement {
				if !seen[r.RecordID] {
					rows = append(rows, r)
					seen[r.RecordID] = true
				}
			}
		}
	}

	prioritized := prioritize(rows)

	if err := s.persist(t.ID, prioritized); err != nil {
		return nil, fmt.Errorf("persist candidate batch: %w", err)
	}

	out := make(chan []Candidate)
	go func() {
		defer close(out)
		for i := 0; i < len(prioritized); i += streamChunkSize {
			end := i + streamChunkSize
			if end > len(prioritized) {
				end = len(prioritized)
			}
			select {
			case out <- prioritized[i:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// prioritize puts no-prior-submission candidates first, then
// all-failures-only candidates; any-success candidates are excluded
// entirely per the "never those with any success" rule.
func prioritize(rows []Candidate) []Candidate {
	var fresh, failedOnly []Candidate
	for _, r := range rows {
		switch {
		case r.HasSuccess:
			continue
		case !r.HasFailure:
			fresh = append(fresh, r)
		default:
			failedOnly = append(failedOnly, r)
		}
	}
	return append(fresh, failedOnly...)
}

func (s *CandidateSelector) persist(targetingID int64, rows []Candidate) error {
	path := filepath.Join(s.tempDir, fmt.Sprintf("candidates_%d_%d.json", targetingID, time.Now().Unix()))
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
