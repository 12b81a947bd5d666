package session

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"slices"
)

// renderCSV writes statistics as CSV: one row per timestamp, oldest first,
// one column per counter. Counters missing at a timestamp are left empty.
func renderCSV(values map[string]map[string]string) (string, error) {
	stamps := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	var counters []string
	for ts, row := range values {
		stamps = append(stamps, ts)
		for name := range row {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				counters = append(counters, name)
			}
		}
	}
	// Timestamps are decimal epoch values; shorter is older.
	slices.SortFunc(stamps, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(a), len(b)), cmp.Compare(a, b))
	})
	slices.Sort(counters)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{"timestamp"}, counters...)); err != nil {
		return "", err
	}
	for _, ts := range stamps {
		rec := make([]string, 0, len(counters)+1)
		rec = append(rec, ts)
		for _, name := range counters {
			rec = append(rec, values[ts][name])
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
