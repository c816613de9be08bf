package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/thomaker/blendforge/internal/metrics"
	"github.com/thomaker/blendforge/internal/publisher"
	"github.com/thomaker/blendforge/internal/validator"
	"github.com/thomaker/blendforge/pkg/models"
)

// result is one entity's contribution to the run stats.
type result struct {
	entity  models.Entity
	skipped bool
	status  models.RecordStatus

	genFailures  int
	execFailures int

	rejQuality     int
	rejNoObject    int
	rejWrongObject int

	duration time.Duration
	err      error
}

// processEntity runs the per-entity retry loop and checkpoints exactly one
// terminal record. On cancellation it returns without writing anything, so
// the entity stays pending for the next run.
func (o *Orchestrator) processEntity(ctx context.Context, logger *slog.Logger, e models.Entity) result {
	start := time.Now()
	res := result{entity: e}

	accepted, err := o.store.IsAccepted(e.Identity)
	if err != nil {
		res.err = err
		return res
	}
	if accepted {
		logger.Debug("Skipping accepted entity", "object", e.Identity)
		res.skipped = true
		return res
	}

	rec := &models.Record{
		Identity:    e.Identity,
		Description: e.Description,
		Status:      models.StatusExhausted,
	}

	for attempt := 1; attempt <= o.cfg.Pipeline.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}

		outcome, code, image := o.attempt(ctx, e)
		metrics.RecordAttempt(string(outcome.Kind))

		// The record always carries the latest attempt's story.
		rec.LastReason = outcome.Reason
		rec.Confidence = outcome.Confidence
		if code != "" {
			rec.Code = code
		}

		switch outcome.Kind {
		case models.OutcomeAccepted:
			rec.Status = models.StatusAccepted
			rec.Image = image
		case models.OutcomeGenerationFailed:
			res.genFailures++
		case models.OutcomeExecutionFailed:
			res.execFailures++
		case models.OutcomeValidationRejected:
			switch validator.RejectionCategory(outcome.Reason) {
			case "quality":
				res.rejQuality++
			case "no_object":
				res.rejNoObject++
			default:
				res.rejWrongObject++
			}
		}

		if outcome.Kind == models.OutcomeAccepted {
			logger.Info("Entity accepted",
				"object", e.Identity,
				"attempt", attempt,
				"confidence", outcome.Confidence)
			break
		}

		logger.Warn("Attempt failed",
			"object", e.Identity,
			"attempt", attempt,
			"max_retries", o.cfg.Pipeline.MaxRetries,
			"outcome", outcome.Kind,
			"reason", outcome.Reason)
	}

	if err := o.store.Upsert(rec); err != nil {
		res.err = fmt.Errorf("failed to checkpoint %q: %w", e.Identity, err)
		return res
	}
	metrics.RecordTerminal(string(rec.Status))

	res.status = rec.Status
	res.duration = time.Since(start)

	if rec.Status == models.StatusAccepted && o.publisher != nil {
		if err := o.publisher.PublishDue(ctx); err != nil {
			// Not fatal: the batch stays queued behind the cursor.
			logger.Warn("Publish pass failed", "error", err)
		}
	}

	return res
}

// attempt runs one generate -> execute -> validate pass inside a fresh
// scratch directory that is always cleaned up.
func (o *Orchestrator) attempt(ctx context.Context, e models.Entity) (models.Outcome, string, []byte) {
	code, err := o.oracle.Generate(ctx, e.Identity, e.Description)
	if err != nil {
		return models.Outcome{Kind: models.OutcomeGenerationFailed, Reason: err.Error()}, "", nil
	}

	workDir, err := os.MkdirTemp(o.workRoot, publisher.SafeName(e.Identity)+"-")
	if err != nil {
		return models.Outcome{
			Kind:   models.OutcomeExecutionFailed,
			Reason: fmt.Sprintf("failed to create work dir: %v", err),
		}, code, nil
	}
	defer os.RemoveAll(workDir)

	image, err := o.executor.Run(ctx, code, workDir)
	if err != nil {
		return models.Outcome{Kind: models.OutcomeExecutionFailed, Reason: err.Error()}, code, nil
	}

	decision := o.validator.Validate(ctx, image, e.Identity)
	if !decision.Accepted {
		return models.Outcome{
			Kind:       models.OutcomeValidationRejected,
			Reason:     decision.Reason,
			Confidence: decision.Confidence,
		}, code, nil
	}

	return models.Outcome{
		Kind:       models.OutcomeAccepted,
		Reason:     decision.Reason,
		Confidence: decision.Confidence,
	}, code, image
}
