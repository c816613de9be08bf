package entity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/thomaker/blendforge/pkg/models"
)

// Load reads the entity list from a JSON file: an array of
// {"object": ..., "description": ...} pairs. Entries with a blank object
// name are rejected, duplicate names keep the first occurrence.
func Load(path string) ([]models.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entities file: %w", err)
	}

	var raw []models.Entity
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse entities file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(raw))
	entities := make([]models.Entity, 0, len(raw))
	for i, e := range raw {
		e.Identity = strings.TrimSpace(e.Identity)
		e.Description = strings.TrimSpace(e.Description)
		if e.Identity == "" {
			return nil, fmt.Errorf("entity %d has an empty object name", i)
		}
		key := strings.ToLower(e.Identity)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, e)
	}
	return entities, nil
}

// Slice applies offset and limit to the entity list. A limit of 0 means no
// limit. The offset indexes the deduplicated list, so restart windows stay
// stable across runs.
func Slice(entities []models.Entity, offset, limit int) []models.Entity {
	if offset >= len(entities) {
		return nil
	}
	entities = entities[offset:]
	if limit > 0 && limit < len(entities) {
		entities = entities[:limit]
	}
	return entities
}

// Save writes an entity list as indented JSON, the same format Load reads.
func Save(path string, entities []models.Entity) error {
	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write entities file: %w", err)
	}
	return nil
}
