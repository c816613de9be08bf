package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/thomaker/blendforge/internal/metrics"
	"github.com/thomaker/blendforge/internal/store"
	"github.com/thomaker/blendforge/pkg/models"
)

// Sink delivers an exported batch directory to its destination.
type Sink interface {
	UploadBatch(ctx context.Context, batchName, dir string) error
}

// Publisher drains accepted records from the checkpoint store in completion
// order and delivers them in fixed-size batches. The publish cursor advances
// only after a batch is delivered, so a crash between delivery and the cursor
// write re-delivers the whole batch: consumers get at-least-once semantics
// and must dedupe by object name.
type Publisher struct {
	store     *store.Store
	sink      Sink
	batchSize int
	exportDir string
	logger    *slog.Logger

	// Serializes publish passes; workers report completions concurrently.
	mu sync.Mutex
}

// New creates a publisher writing batch directories under exportDir.
func New(st *store.Store, sink Sink, batchSize int, exportDir string, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:     st,
		sink:      sink,
		batchSize: batchSize,
		exportDir: exportDir,
		logger:    logger.With("component", "publisher"),
	}
}

// PublishDue delivers every complete batch of unpublished accepted records.
// Records beyond the last complete batch stay queued for the next call or
// the final Flush.
func (p *Publisher) PublishDue(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		published, err := p.publishNext(ctx, false)
		if err != nil {
			return err
		}
		if !published {
			return nil
		}
	}
}

// Flush delivers all remaining unpublished records, including a final
// partial batch. Called once at the end of a run.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		published, err := p.publishNext(ctx, true)
		if err != nil {
			return err
		}
		if !published {
			return nil
		}
	}
}

func (p *Publisher) publishNext(ctx context.Context, allowPartial bool) (bool, error) {
	cursor, err := p.store.Cursor()
	if err != nil {
		return false, err
	}

	records, err := p.store.AcceptedAfter(cursor, p.batchSize)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	if len(records) < p.batchSize && !allowPartial {
		return false, nil
	}

	last := records[len(records)-1].Seq
	batchName := fmt.Sprintf("batch_%06d_%06d", records[0].Seq, last)

	dir, err := p.exportBatch(batchName, records)
	if err != nil {
		metrics.RecordPublish(false)
		return false, fmt.Errorf("failed to export batch %s: %w", batchName, err)
	}

	if err := p.sink.UploadBatch(ctx, batchName, dir); err != nil {
		metrics.RecordPublish(false)
		return false, fmt.Errorf("failed to deliver batch %s: %w", batchName, err)
	}

	// Cursor moves only after successful delivery.
	if err := p.store.SetCursor(last); err != nil {
		return false, err
	}

	metrics.RecordPublish(true)
	p.logger.Info("Batch published", "batch", batchName, "records", len(records))
	return true, nil
}

// exportBatch writes the batch directory: per-record code and render files
// plus a manifest.jsonl describing every row. The directory name encodes the
// seq range, so a re-delivery after a crash reproduces the same layout.
func (p *Publisher) exportBatch(batchName string, records []models.Record) (string, error) {
	dir := filepath.Join(p.exportDir, batchName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	manifest, err := os.Create(filepath.Join(dir, "manifest.jsonl"))
	if err != nil {
		return "", err
	}
	defer manifest.Close()

	enc := json.NewEncoder(manifest)
	for _, rec := range records {
		base := SafeName(rec.Identity)
		codeFile := base + "_code.py"
		imageFile := base + "_render.png"

		if err := os.WriteFile(filepath.Join(dir, codeFile), []byte(rec.Code), 0644); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dir, imageFile), rec.Image, 0644); err != nil {
			return "", err
		}

		if err := enc.Encode(models.ManifestRow{
			Object:      rec.Identity,
			Description: rec.Description,
			CodeFile:    codeFile,
			ImageFile:   imageFile,
			Status:      string(rec.Status),
			LastReason:  rec.LastReason,
			Confidence:  rec.Confidence,
		}); err != nil {
			return "", err
		}
	}

	if err := manifest.Sync(); err != nil {
		return "", err
	}
	return dir, nil
}

// SafeName turns an object name into a filesystem- and repo-safe file stem.
func SafeName(identity string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(identity)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '/':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "record"
	}
	return b.String()
}
