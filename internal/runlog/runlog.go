// Package runlog defines RunRecord, the row appended to the _runs tab
// after each run.
package runlog

import "time"

// Record is one row of the _runs tab.
type Record struct {
	RunID        string
	Site         string
	StartedAt    time.Time
	FinishedAt   time.Time
	TotalPages   int
	TotalProducts int
	Status       string // DONE|STOPPED|FAILED
}
