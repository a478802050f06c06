package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Backpressure levels gate on buffer utilization (buffered len / max size).
// Thresholds and actions mirror the four-tier graduated response: light
// congestion gets a partial flush, sustained congestion gets a short sleep
// plus flush, heavy congestion forces repeated flushes, and saturation
// falls through the overflow -> emergency-file chain.
const (
	backpressureLevel1 = 0.80
	backpressureLevel2 = 0.90
	backpressureLevel3 = 0.95
	backpressureLevel4 = 1.00

	level2SleepDuration   = 100 * time.Millisecond
	level3FlushSpacing    = 500 * time.Millisecond
	level3MaxForcedFlush  = 3
	partialFlushFraction  = 0.30
	partialFlushMaxItems  = 50
)

// BackpressureController decides, given current buffer utilization, whether
// a buffered write needs extra handling beyond the caller's normal
// size/timeout flush check. Apply returns true when it has fully handled
// the incoming record itself (so the caller must not also persist it via
// the normal path) — L4's overflow/emergency fallback is the only case
// that consumes the record directly; L1-L3 only flush existing buffer
// contents and let the caller proceed normally.
type BackpressureController struct {
	maxBufferSize int
}

func NewBackpressureController(maxBufferSize int) *BackpressureController {
	return &BackpressureController{maxBufferSize: maxBufferSize}
}

func (b *BackpressureController) Apply(ctx context.Context, rw *ResultWriter, utilization float64, rec SubmissionRecord) (handled bool, err error) {
	switch {
	case utilization >= backpressureLevel4:
		return true, b.applyLevel4(ctx, rw, rec)
	case utilization >= backpressureLevel3:
		return false, b.applyLevel3(ctx, rw)
	case utilization >= backpressureLevel2:
		return false, b.applyLevel2(ctx, rw)
	case utilization >= backpressureLevel1:
		return false, b.applyLevel1(ctx, rw)
	default:
		return false, nil
	}
}

// applyLevel1 partially flushes the buffer and lets the caller continue —
// light congestion relief, no pause.
func (b *BackpressureController) applyLevel1(ctx context.Context, rw *ResultWriter) error {
	return rw.PartialFlush(ctx, partialFlushFraction, partialFlushMaxItems)
}

// applyLevel2 pauses briefly before flushing, giving in-flight DB writes a
// chance to drain before more are queued.
func (b *BackpressureController) applyLevel2(ctx context.Context, rw *ResultWriter) error {
	select {
	case <-time.After(level2SleepDuration):
	case <-ctx.Done():
		return ctx.Err()
	}
	return rw.Flush(ctx)
}

// applyLevel3 forces up to three spaced flushes, bailing out early once
// utilization drops back under level 2.
func (b *BackpressureController) applyLevel3(ctx context.Context, rw *ResultWriter) error {
	for i := 0; i < level3MaxForcedFlush; i++ {
		if err := rw.PartialFlush(ctx, partialFlushFraction, partialFlushMaxItems); err != nil {
			return err
		}
		utilization := float64(rw.BufferLen()) / float64(b.maxBufferSize)
		if utilization < backpressureLevel2 {
			return nil
		}
		if i < level3MaxForcedFlush-1 {
			select {
			case <-time.After(level3FlushSpacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// applyLevel4 is buffer saturation: the incoming record bypasses the
// buffer entirely and falls through overflow -> direct database write ->
// emergency temp file, raising only if all three persistence paths fail.
func (b *BackpressureController) applyLevel4(ctx context.Context, rw *ResultWriter, rec SubmissionRecord) error {
	if err := rw.saveToOverflow(rec); err == nil {
		rw.log.Warn("buffer saturated, record routed directly to overflow")
		return nil
	}
	if err := rw.writer.WriteSubmission(ctx, rec); err == nil {
		return nil
	}
	if err := rw.saveToEmergency(rec); err == nil {
		rw.log.Error("buffer saturated, overflow and direct write both failed, used emergency temp file")
		return nil
	}
	return fmt.Errorf("buffer saturation fallback chain exhausted for record %d", rec.RecordID)
}
