package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/thomaker/blendforge/internal/config"
	"github.com/thomaker/blendforge/internal/store"
	"github.com/thomaker/blendforge/pkg/models"
)

// CodeGenerator produces Blender code for one entity.
type CodeGenerator interface {
	Generate(ctx context.Context, identity, description string) (string, error)
}

// ArtifactRunner executes generated code in a working directory and returns
// the rendered image bytes.
type ArtifactRunner interface {
	Run(ctx context.Context, code, workDir string) ([]byte, error)
}

// ImageValidator scores a rendered image against the expected object.
type ImageValidator interface {
	Validate(ctx context.Context, image []byte, label string) models.Decision
}

// BatchPublisher drains accepted records into delivery batches. Optional.
type BatchPublisher interface {
	PublishDue(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Orchestrator drives the retry-until-accepted loop over the entity list
// with a fixed worker pool. Every entity independently walks
// generate -> execute -> validate until a render is accepted or the retry
// budget runs out; either way exactly one terminal record is checkpointed.
type Orchestrator struct {
	cfg       *config.Config
	oracle    CodeGenerator
	executor  ArtifactRunner
	validator ImageValidator
	store     *store.Store
	publisher BatchPublisher
	workRoot  string
	logger    *slog.Logger
	stats     models.PipelineStats
}

// New creates an orchestrator. publisher may be nil when publishing is
// disabled; workRoot hosts the per-attempt scratch directories.
func New(
	cfg *config.Config,
	oracle CodeGenerator,
	executor ArtifactRunner,
	validator ImageValidator,
	st *store.Store,
	publisher BatchPublisher,
	workRoot string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		oracle:    oracle,
		executor:  executor,
		validator: validator,
		store:     st,
		publisher: publisher,
		workRoot:  workRoot,
		logger:    logger,
	}
}

// Run processes all entities and returns the accumulated stats. Entities
// already accepted in the checkpoint store are skipped without spending any
// oracle or executor work. A cancelled context stops the run; entities
// without a terminal record simply remain pending for the next run.
func (o *Orchestrator) Run(ctx context.Context, entities []models.Entity) (*models.PipelineStats, error) {
	o.stats = models.PipelineStats{
		StartTime:     time.Now(),
		TotalEntities: len(entities),
	}

	o.logger.Info("Starting pipeline",
		"entities", len(entities),
		"max_retries", o.cfg.Pipeline.MaxRetries,
		"concurrency", o.cfg.Pipeline.Concurrency)

	jobs := make(chan models.Entity, len(entities))
	results := make(chan result, len(entities))

	var workers sync.WaitGroup
	for i := 1; i <= o.cfg.Pipeline.Concurrency; i++ {
		workers.Add(1)
		go o.worker(ctx, i, jobs, results, &workers)
	}

	var collector sync.WaitGroup
	collector.Add(1)
	go o.collect(results, &collector)

	for _, e := range entities {
		jobs <- e
	}
	close(jobs)

	workers.Wait()
	close(results)
	collector.Wait()

	if o.publisher != nil && ctx.Err() == nil {
		if err := o.publisher.Flush(ctx); err != nil {
			// Records stay in the store; the next run's publish pass picks
			// them up from the cursor.
			o.logger.Error("Final publish flush failed", "error", err)
		}
	}

	o.stats.EndTime = time.Now()
	o.stats.TotalDuration = o.stats.EndTime.Sub(o.stats.StartTime)

	o.logger.Info("Pipeline finished",
		"processed", o.stats.Processed,
		"skipped", o.stats.Skipped,
		"accepted", o.stats.Accepted,
		"exhausted", o.stats.Exhausted,
		"duration", o.stats.TotalDuration)

	if err := ctx.Err(); err != nil {
		return &o.stats, err
	}
	return &o.stats, nil
}

func (o *Orchestrator) worker(
	ctx context.Context,
	workerID int,
	jobs <-chan models.Entity,
	results chan<- result,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	workerLogger := o.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	for e := range jobs {
		select {
		case <-ctx.Done():
			workerLogger.Info("Worker cancelled")
			return
		default:
		}

		results <- o.processEntity(ctx, workerLogger, e)
	}

	workerLogger.Debug("Worker finished")
}

func (o *Orchestrator) collect(results <-chan result, wg *sync.WaitGroup) {
	defer wg.Done()

	bar := progressbar.Default(int64(o.stats.TotalEntities), "Processing")
	var busy time.Duration

	for r := range results {
		_ = bar.Add(1)

		if r.err != nil {
			o.logger.Error("Entity processing failed",
				"object", r.entity.Identity,
				"error", r.err)
			continue
		}
		if r.skipped {
			o.stats.Skipped++
			continue
		}

		o.stats.Processed++
		busy += r.duration
		o.stats.GenerationFailures += r.genFailures
		o.stats.ExecutionFailures += r.execFailures
		o.stats.RejectedQuality += r.rejQuality
		o.stats.RejectedNoObject += r.rejNoObject
		o.stats.RejectedWrongObject += r.rejWrongObject

		switch r.status {
		case models.StatusAccepted:
			o.stats.Accepted++
		case models.StatusExhausted:
			o.stats.Exhausted++
		}
	}

	if o.stats.Processed > 0 {
		o.stats.AverageDuration = busy / time.Duration(o.stats.Processed)
	}
}
