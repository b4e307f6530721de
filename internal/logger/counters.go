package logger

import "sync/atomic"

// Counters are incremented whether or not the matching log line was sampled
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	TotalCritical  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	SlowRequests   atomic.Int64
	ConnPoolWaits  atomic.Int64

	RuleExecutions  atomic.Int64
	ActionFailures  atomic.Int64
	ConditionErrors atomic.Int64
	DedupeConflicts atomic.Int64
	WorkerPanics    atomic.Int64
)

// Counts is a point-in-time copy of every counter
type Counts struct {
	RuleExecutions  int64 `json:"ruleExecutions"`
	ActionFailures  int64 `json:"actionFailures"`
	ConditionErrors int64 `json:"conditionErrors"`
	DedupeConflicts int64 `json:"dedupeConflicts"`
	WorkerPanics    int64 `json:"workerPanics"`
	TotalErrors     int64 `json:"totalErrors"`
	TotalWarnings   int64 `json:"totalWarnings"`
	TotalCritical   int64 `json:"totalCritical"`
	Total5xxErrors  int64 `json:"total5xxErrors"`
	Total4xxErrors  int64 `json:"total4xxErrors"`
	SlowRequests    int64 `json:"slowRequests"`
	ConnPoolWaits   int64 `json:"connPoolWaits"`
}

func Snapshot() Counts {
	return Counts{
		RuleExecutions:  RuleExecutions.Load(),
		ActionFailures:  ActionFailures.Load(),
		ConditionErrors: ConditionErrors.Load(),
		DedupeConflicts: DedupeConflicts.Load(),
		WorkerPanics:    WorkerPanics.Load(),
		TotalErrors:     TotalErrors.Load(),
		TotalWarnings:   TotalWarnings.Load(),
		TotalCritical:   TotalCritical.Load(),
		Total5xxErrors:  Total5xxErrors.Load(),
		Total4xxErrors:  Total4xxErrors.Load(),
		SlowRequests:    SlowRequests.Load(),
		ConnPoolWaits:   ConnPoolWaits.Load(),
	}
}

// CountHTTPStatus records a 4xx or 5xx response; other statuses are ignored
func CountHTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
	}
}

func CountSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// CountConnPoolWait records a request that found every DB connection in use
func CountConnPoolWait() {
	ConnPoolWaits.Add(1)
	TotalWarnings.Add(1)
}
