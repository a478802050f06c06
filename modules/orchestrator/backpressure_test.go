package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmissionWriter struct {
	fail  bool
	calls int
}

func (f *fakeSubmissionWriter) WriteSubmission(ctx context.Context, rec SubmissionRecord) error {
	f.calls++
	if f.fail {
		return assert.AnError
	}
	return nil
}

func newTestResultWriter(t *testing.T, fail bool) (*ResultWriter, *fakeSubmissionWriter) {
	sub := &fakeSubmissionWriter{fail: fail}
	log := testOrchestratorLogger(t)
	rw := NewResultWriter(PersistBuffered, sub, log, t.TempDir(), t.TempDir())
	return rw, sub
}

func TestBackpressure_BelowLevel1IsNoOp(t *testing.T) {
	rw, _ := newTestResultWriter(t, false)
	back := NewBackpressureController(100)
	handled, err := back.Apply(context.Background(), rw, 0.5, SubmissionRecord{RecordID: 1})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestBackpressure_Level1PartiallyFlushesBuffer(t *testing.T) {
	rw, sub := newTestResultWriter(t, false)
	for i := 0; i < 10; i++ {
		rw.buffer = append(rw.buffer, SubmissionRecord{RecordID: int64(i)})
	}
	back := NewBackpressureController(100)
	handled, err := back.Apply(context.Background(), rw, 0.82, SubmissionRecord{RecordID: 99})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Greater(t, sub.calls, 0)
	assert.Less(t, rw.BufferLen(), 10)
}

func TestBackpressure_Level4RoutesDirectlyToOverflow(t *testing.T) {
	rw, sub := newTestResultWriter(t, true)
	back := NewBackpressureController(100)
	handled, err := back.Apply(context.Background(), rw, 1.0, SubmissionRecord{RecordID: 7})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 0, sub.calls)
}

func TestResultWriter_ImmediateModeFallsBackToOverflowOnDBFailure(t *testing.T) {
	rw, sub := newTestResultWriter(t, true)
	rw.mode = PersistImmediate
	err := rw.Write(context.Background(), ResultEnvelope{RecordID: 42, Status: StatusFailed, ErrorMessage: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 1, sub.calls)
}
