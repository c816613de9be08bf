package entitygen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thomaker/blendforge/pkg/models"
)

// Completer produces raw text for a prompt. Satisfied by the oracle client.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generator enumerates new (object, description) pairs through the oracle.
// The oracle over-delivers and repeats itself, so each request asks for more
// than needed and the results are deduplicated against everything seen so
// far; one follow-up request covers any shortfall.
type Generator struct {
	completer Completer
	logger    *slog.Logger
}

// New creates an entity generator.
func New(completer Completer, logger *slog.Logger) *Generator {
	return &Generator{
		completer: completer,
		logger:    logger.With("component", "entitygen"),
	}
}

// Generate returns up to count new entities not present in existing. It
// returns what it has (possibly fewer than count) once the retry budget is
// spent; only transport-level failures are errors.
func (g *Generator) Generate(ctx context.Context, count int, existing []models.Entity) ([]models.Entity, error) {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[strings.ToLower(e.Identity)] = struct{}{}
	}

	var generated []models.Entity
	for attempt := 0; attempt < 2 && len(generated) < count; attempt++ {
		need := count - len(generated)

		// Ask for extra to absorb duplicates and malformed entries.
		response, err := g.completer.Complete(ctx, buildPrompt(need+need/5+3))
		if err != nil {
			return nil, fmt.Errorf("entity generation request failed: %w", err)
		}

		parsed, err := parseEntities(response)
		if err != nil {
			g.logger.Warn("Discarding unparseable oracle response", "error", err)
			continue
		}

		for _, e := range parsed {
			e.Identity = strings.TrimSpace(e.Identity)
			e.Description = strings.TrimSpace(e.Description)
			if e.Identity == "" || e.Description == "" {
				continue
			}
			key := strings.ToLower(e.Identity)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			generated = append(generated, e)
			if len(generated) == count {
				break
			}
		}
	}

	g.logger.Info("Entities generated", "requested", count, "produced", len(generated))
	return generated, nil
}

func buildPrompt(n int) string {
	return fmt.Sprintf(`List %d distinct everyday physical objects that could be modeled as simple 3D shapes.

Return only a JSON array, no other text. Each element must have:
- "object": a short object name (2-4 words)
- "description": one sentence describing its shape, parts and proportions

Example element: {"object": "wooden chair", "description": "a chair with a flat square seat, four straight legs and a slatted backrest"}`, n)
}

// parseEntities extracts the JSON array from a response that may be wrapped
// in prose or a markdown fence.
func parseEntities(response string) ([]models.Entity, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var entities []models.Entity
	if err := json.Unmarshal([]byte(response[start:end+1]), &entities); err != nil {
		return nil, fmt.Errorf("failed to parse entity array: %w", err)
	}
	return entities, nil
}
