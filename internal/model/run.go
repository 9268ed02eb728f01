package model

import "time"

// Job names recorded in the metadata collection.
const (
	JobHarvest      = "harvest"
	JobDetails      = "details"
	JobAvailability = "availability"
	JobShops        = "shops"
	JobDiscounts    = "discounts"
)

var jobIndexes = map[string]int64{
	JobHarvest:      1,
	JobDetails:      2,
	JobAvailability: 3,
	JobShops:        4,
	JobDiscounts:    5,
}

// JobIndex returns the metadata key of job, or false for an unknown job.
func JobIndex(job string) (int64, bool) {
	idx, ok := jobIndexes[job]
	return idx, ok
}

// RunMeta is the status document a job keeps in the metadata collection.
// Complete is false from the start of a run until it finishes cleanly.
type RunMeta struct {
	Job      string
	RunID    string
	Started  time.Time
	Finished *time.Time
	Complete bool
	Error    string
}

// Document renders the run status. Timestamps are RFC 3339 strings so every
// backend stores them alike.
func (r RunMeta) Document() Document {
	d := Document{
		"job":      r.Job,
		"run_id":   r.RunID,
		"started":  r.Started.UTC().Format(time.RFC3339),
		"complete": r.Complete,
		"error":    nil,
		"finished": nil,
	}
	if r.Finished != nil {
		d["finished"] = r.Finished.UTC().Format(time.RFC3339)
	}
	if r.Error != "" {
		d["error"] = r.Error
	}
	return d
}
