package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter selects entries. Zero fields match everything. RequestID
// matches either the page's id or the backend correlation id.
type ReplayFilter struct {
	Origin    string
	RequestID string
	From      time.Time
	To        time.Time
}

func (f ReplayFilter) match(e Entry) bool {
	if f.Origin != "" && e.Origin != f.Origin {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID && e.CorrelationID != f.RequestID {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// ReplaySummary counts decisions over the replayed entries.
type ReplaySummary struct {
	Total          int            `json:"total"`
	Decisions      map[string]int `json:"decisions"`
	Origins        int            `json:"origins"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// ReplayResult holds the matching entries and their summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the log at path and returns the entries matching filter.
// Unparseable lines are skipped; Verify is the tool for integrity.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	res := &ReplayResult{Filter: filter, Summary: ReplaySummary{Decisions: map[string]int{}}}
	origins := map[string]struct{}{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !filter.match(e) {
			continue
		}
		res.Entries = append(res.Entries, e)
		res.Summary.Total++
		res.Summary.Decisions[e.Decision]++
		origins[e.Origin] = struct{}{}
		if res.Summary.FirstTimestamp == "" {
			res.Summary.FirstTimestamp = e.Timestamp
		}
		res.Summary.LastTimestamp = e.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	res.Summary.Origins = len(origins)
	return res, nil
}
