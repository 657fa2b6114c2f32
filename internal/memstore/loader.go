package memstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rx3lixir/migration-service/internal/migration"
)

// LoadFromFile наполняет живое хранилище из JSON файла вида
// {"trades": [{...}], "market_ticks": [{...}], ...}.
// Каждая запись должна нести entity_id.
func (s *Store) LoadFromFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var payload map[string][]map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	loaded := 0
	for _, kind := range migration.EntityKinds() {
		for _, rec := range payload[string(kind)] {
			entityID, _ := rec["entity_id"].(string)
			if entityID == "" {
				return loaded, fmt.Errorf("record of kind %s in %s has no entity_id", kind, path)
			}
			s.Put(kind, entityID, migration.FieldMap(rec))
			loaded++
		}
	}

	s.log.Info("seeded in-memory store from file", "path", path, "records", loaded)
	return loaded, nil
}
