// Package metrics exposes engine outcome counters.
package metrics

import "time"

// Outcome labels shared by collectors
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Collector receives engine outcomes. Implementations must be safe for
// concurrent use.
type Collector interface {
	// RecordCallIssued counts an issued call and the number of tokens it created
	RecordCallIssued(urgent bool, tokens int)
	// RecordAccept counts an accept attempt by result (won, conflict, gone, ...)
	RecordAccept(result string)
	// RecordSweep observes one sweep pass
	RecordSweep(expired, recalled int, duration time.Duration)
	// IncrementRecallFailure counts an urgent recall that could not be issued
	IncrementRecallFailure(reason string)
	// RecordNotification counts a notification dispatch by outcome
	RecordNotification(outcome string)
	// IncrementBroadcastFailure counts a failed publish on the named sink
	IncrementBroadcastFailure(sink string)
	// RecordStreakUpdate observes a streak recomputation
	RecordStreakUpdate(drivers int)
	// RecordTaskRun observes a scheduled task run by outcome
	RecordTaskRun(task, outcome string, duration time.Duration)
}
