package enrich

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// loadCSVTable reads a headered CSV file into rows keyed by keyColumn.
// Row values keep their header names so enrichment data round-trips through
// the cache as plain JSON objects.
func loadCSVTable(path, keyColumn string, lowerKey bool) (map[string]map[string]any, error) {
	f, err := os.Open(path) //nolint:gosec // path is from operator config
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return map[string]map[string]any{}, nil
	}

	header := records[0]
	out := make(map[string]map[string]any, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		key := strings.TrimSpace(asRowString(row[keyColumn]))
		if key == "" {
			continue
		}
		if lowerKey {
			key = strings.ToLower(key)
		}
		out[key] = row
	}
	return out, nil
}

func asRowString(v any) string {
	s, _ := v.(string)
	return s
}
