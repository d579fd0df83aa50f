package model

import "time"

// FetchCursor marks per-source ingestion progress. It is owned by the
// ingestion coordinator and persisted after every successfully written unit,
// so a restarted run resumes instead of re-fetching from zero.
type FetchCursor struct {
	Source      SourceKind `json:"source"`
	Position    string     `json:"position"` // last completed unit (package id or session number)
	LastSuccess time.Time  `json:"last_success"`
}

// RateBudget is the persisted state of the rolling request window. It is
// mutated only by the fetcher's budget under its own lock; the stored copy
// lets a restarted process inherit the live window instead of resetting
// the quota.
type RateBudget struct {
	WindowStart time.Time `json:"window_start"`
	Used        int       `json:"used"`
}

// FailedUnit is a fetch unit that exhausted its retry budget across one or
// more coordinator runs and is surfaced for manual inspection.
type FailedUnit struct {
	Source   SourceKind `json:"source"`
	Unit     string     `json:"unit"`
	Attempts int        `json:"attempts"`
	LastErr  string     `json:"last_error"`
	LastAt   time.Time  `json:"last_at"`
}
