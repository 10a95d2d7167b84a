package autotag

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchSummary counts per-record outcomes of one batch run. A record is
// errored when it resolved without a tag and at least one of its rules
// failed; skipped records were never attempted because the batch was
// cancelled.
type BatchSummary struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Errored   int `json:"errored"`
	Skipped   int `json:"skipped"`
}

// BatchResult pairs the per-record outcomes with the summary. Outcomes is
// index-aligned with the input records; entries for skipped records are
// nil.
type BatchResult struct {
	Outcomes []*EvaluationOutcome `json:"outcomes"`
	Summary  BatchSummary         `json:"summary"`
}

// Coordinator fans an engine out over many records with bounded
// concurrency. Submission blocks when all workers are busy; there is no
// internal queue to grow without bound.
type Coordinator struct {
	engine    *Engine
	workers   int
	chunkSize int
}

// NewCoordinator builds a coordinator around an engine. workers bounds
// in-flight evaluations; chunkSize is how many records are dispatched per
// wave. Non-positive values fall back to serial, single-record behaviour.
func NewCoordinator(engine *Engine, workers, chunkSize int) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Coordinator{engine: engine, workers: workers, chunkSize: chunkSize}
}

// Run evaluates every record against the rule set and returns one outcome
// per record. A record whose rules all error still yields an outcome; a
// tenant-mismatched rule set aborts the whole batch since that is a caller
// bug. Cancelling ctx stops dispatching new records: outcomes already
// produced stay intact and the rest are counted as skipped.
func (c *Coordinator) Run(ctx context.Context, records []*Record, ruleSet []*Rule) (*BatchResult, error) {
	result := &BatchResult{Outcomes: make([]*EvaluationOutcome, len(records))}

	var contractErr error
	for start := 0; start < len(records); start += c.chunkSize {
		if ctx.Err() != nil || contractErr != nil {
			break
		}

		end := start + c.chunkSize
		if end > len(records) {
			end = len(records)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)

		for i := start; i < end; i++ {
			if gctx.Err() != nil {
				break
			}
			i := i
			g.Go(func() error {
				outcome, err := c.engine.Evaluate(gctx, records[i], ruleSet)
				if err != nil {
					return err
				}
				result.Outcomes[i] = outcome
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			contractErr = err
		}
	}

	for _, outcome := range result.Outcomes {
		switch {
		case outcome == nil:
			result.Summary.Skipped++
		case outcome.Tag != nil:
			result.Summary.Matched++
		case outcome.Errored():
			result.Summary.Errored++
		default:
			result.Summary.Unmatched++
		}
	}

	return result, contractErr
}
