package models

import "time"

// WorkItem is a single unit of submittable work. Items are immutable once
// created; the engine never inspects Payload.
type WorkItem struct {
	ID       string
	Payload  any
	Priority int // higher = sooner
	Metadata map[string]string
}

// WorkResult is the outcome of one attempt at a WorkItem. Exactly one result
// is produced per submitted item per attempt.
type WorkResult struct {
	ItemID         string
	Success        bool
	Output         any    // present iff Success
	Error          string // present iff !Success
	ProcessingTime time.Duration
}
