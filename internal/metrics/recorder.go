package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultWarning  ResultLabel = "warning"
	ResultFatal    ResultLabel = "fatal"
	ResultMissing  ResultLabel = "missing"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for ingestion and processing metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods must
// be safe for nil receivers when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveTaskDuration(taskType string, d time.Duration)
	IncTaskResult(taskType string, result ResultLabel)
	ObserveTokenAcquire(d time.Duration, outcome string) // outcome: acquired|exhausted|error
	ObserveFetchPage(provider string, d time.Duration)
	AddBuildsFetched(provider string, n int)
	ObserveResourceAcquire(resource string, d time.Duration, success bool)
	ObserveNodeDuration(node string, d time.Duration)
	IncNodeResult(node string, result ResultLabel)
	IncExtractionOutcome(outcome string) // outcome: completed|partial|failed
	IncChordCallback(phase string)       // phase: fetch|ingestion
	IncTaskRetry(taskType string)
	IncTaskRetryExhausted(taskType string)
	SetQueueDepth(n int)
	SetWorkerCount(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTaskDuration(string, time.Duration)           {}
func (NoopRecorder) IncTaskResult(string, ResultLabel)                   {}
func (NoopRecorder) ObserveTokenAcquire(time.Duration, string)           {}
func (NoopRecorder) ObserveFetchPage(string, time.Duration)              {}
func (NoopRecorder) AddBuildsFetched(string, int)                        {}
func (NoopRecorder) ObserveResourceAcquire(string, time.Duration, bool)  {}
func (NoopRecorder) ObserveNodeDuration(string, time.Duration)           {}
func (NoopRecorder) IncNodeResult(string, ResultLabel)                   {}
func (NoopRecorder) IncExtractionOutcome(string)                         {}
func (NoopRecorder) IncChordCallback(string)                             {}
func (NoopRecorder) IncTaskRetry(string)                                 {}
func (NoopRecorder) IncTaskRetryExhausted(string)                        {}
func (NoopRecorder) SetQueueDepth(int)                                   {}
func (NoopRecorder) SetWorkerCount(int)                                  {}
