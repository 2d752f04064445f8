package timeclock

import (
	"context"
	"time"
)

const scanChunkSize = 500

const (
	ReasonHashMismatch     = "hash mismatch"
	ReasonPreviousMismatch = "previous hash mismatch"
	ReasonSequenceGap      = "sequence gap"
	ReasonMissingRecord    = "missing record"
)

// VerifyResult is the outcome of one full scan of the chain.
type VerifyResult struct {
	Valid               bool                `json:"valid"`
	FirstBrokenSequence *int64              `json:"firstBrokenSequence,omitempty"`
	Violation           *IntegrityViolation `json:"violation,omitempty"`
	Checked             int64               `json:"checked"`
	HeadSequence        int64               `json:"headSequence"`
	HeadHash            string              `json:"headHash"`
	StartedAt           time.Time           `json:"startedAt"`
	FinishedAt          time.Time           `json:"finishedAt"`
}

func (r *VerifyResult) fail(seq int64, reason string) {
	r.Valid = false
	r.FirstBrokenSequence = &seq
	r.Violation = &IntegrityViolation{Sequence: seq, Reason: reason}
}

// verifyChain walks the snapshot from sequence 0 to the head captured at the
// start, recomputing every digest against the expected predecessor.
func verifyChain(ctx context.Context, r Reader) (VerifyResult, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{Valid: true, HeadSequence: head.Sequence, HeadHash: head.Hash}

	expectedPrev := GenesisHash
	next := int64(0)
	for next <= head.Sequence {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}
		batch, err := r.ScanEvents(ctx, next, head.Sequence, scanChunkSize)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(batch) == 0 {
			result.fail(next, ReasonMissingRecord)
			return result, nil
		}
		for _, ev := range batch {
			if ev.Sequence != next {
				result.fail(next, ReasonSequenceGap)
				return result, nil
			}
			if digest(ev, expectedPrev) != ev.Hash {
				result.fail(ev.Sequence, ReasonHashMismatch)
				return result, nil
			}
			if ev.PreviousHash != expectedPrev {
				result.fail(ev.Sequence, ReasonPreviousMismatch)
				return result, nil
			}
			expectedPrev = ev.Hash
			next++
			result.Checked++
		}
	}
	return result, nil
}
