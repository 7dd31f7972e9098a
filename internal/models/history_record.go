// -----------------------------------------------------------------------
// History Record - durable log entry for a completed lookup
// Name format: <IDENTIFIER>_<YEAR|SUPERCIAS>_<YYYY-MM-DD_HH-MM-SS>
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// HistoryTagAutomation tags records written by the portal automation.
	HistoryTagAutomation = "SUPERCIAS"

	// HistoryTimeLayout replaces spaces and colons with underscores and dashes.
	HistoryTimeLayout = "2006-01-02_15-04-05"
)

var historyNamePattern = regexp.MustCompile(`^(\d{13})_(\d{4}|[A-Z]+)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})$`)

// HistoryRecord is one persisted lookup outcome.
type HistoryRecord struct {
	Key        string    `json:"key" badgerhold:"key"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier" badgerholdIndex:"Identifier"`
	Tag        string    `json:"tag"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
}

// HistoryName builds the record name for the given parts.
func HistoryName(identifier, tag string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s", identifier, tag, ts.Format(HistoryTimeLayout))
}

// HistoryNameParts is the parsed form of a record name.
type HistoryNameParts struct {
	Identifier string
	Tag        string
	Timestamp  time.Time
}

// ParseHistoryName parses a record name produced by HistoryName.
func ParseHistoryName(name string) (*HistoryNameParts, error) {
	m := historyNamePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("malformed history name %q: %w", name, ErrValidation)
	}
	ts, err := time.ParseInLocation(HistoryTimeLayout, m[3], time.Local)
	if err != nil {
		return nil, fmt.Errorf("malformed history timestamp %q: %w", m[3], ErrValidation)
	}
	return &HistoryNameParts{Identifier: m[1], Tag: m[2], Timestamp: ts}, nil
}
