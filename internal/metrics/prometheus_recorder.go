package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	taskDuration      *prom.HistogramVec
	taskResults       *prom.CounterVec
	tokenAcquire      *prom.HistogramVec
	fetchPageDuration *prom.HistogramVec
	buildsFetched     *prom.CounterVec
	resourceDuration  *prom.HistogramVec
	nodeDuration      *prom.HistogramVec
	nodeResults       *prom.CounterVec
	extractionOutcome *prom.CounterVec
	chordCallbacks    *prom.CounterVec
	retries           *prom.CounterVec
	retriesExhausted  *prom.CounterVec
	queueDepth        prom.Gauge
	workerCount       prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildlens",
			Name:      "task_duration_seconds",
			Help:      "Duration of individual ingestion and processing tasks",
			Buckets:   prom.DefBuckets,
		}, []string{"task"})
		pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "task_results_total",
			Help:      "Task result counts by outcome",
		}, []string{"task", "result"})
		pr.tokenAcquire = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildlens",
			Name:      "token_acquire_duration_seconds",
			Help:      "Duration of token pool acquisition attempts",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"})
		pr.fetchPageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildlens",
			Name:      "fetch_page_duration_seconds",
			Help:      "Duration of individual build list page fetches",
			Buckets:   prom.DefBuckets,
		}, []string{"provider"})
		pr.buildsFetched = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "builds_fetched_total",
			Help:      "Build records fetched from CI providers",
		}, []string{"provider"})
		pr.resourceDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildlens",
			Name:      "resource_acquire_duration_seconds",
			Help:      "Duration of resource acquisition (clone, worktree, logs)",
			Buckets:   prom.DefBuckets,
		}, []string{"resource", "result"})
		pr.nodeDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildlens",
			Name:      "node_duration_seconds",
			Help:      "Duration of individual feature extraction nodes",
			Buckets:   prom.DefBuckets,
		}, []string{"node"})
		pr.nodeResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "node_results_total",
			Help:      "Feature extraction node results by outcome",
		}, []string{"node", "result"})
		pr.extractionOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "extraction_outcomes_total",
			Help:      "Feature extraction outcomes by final status",
		}, []string{"outcome"})
		pr.chordCallbacks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "chord_callbacks_total",
			Help:      "Chord completion callbacks fired by phase",
		}, []string{"phase"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "task_retries_total",
			Help:      "Total task retries (transient failures)",
		}, []string{"task"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildlens",
			Name:      "task_retry_exhausted_total",
			Help:      "Count of tasks where retries were exhausted",
		}, []string{"task"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildlens",
			Name:      "task_queue_depth",
			Help:      "Tasks waiting in the dispatcher queue",
		})
		pr.workerCount = prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildlens",
			Name:      "worker_count",
			Help:      "Workers currently running in the task pool",
		})
		reg.MustRegister(pr.taskDuration, pr.taskResults, pr.tokenAcquire, pr.fetchPageDuration, pr.buildsFetched, pr.resourceDuration, pr.nodeDuration, pr.nodeResults, pr.extractionOutcome, pr.chordCallbacks, pr.retries, pr.retriesExhausted, pr.queueDepth, pr.workerCount)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveTaskDuration(taskType string, d time.Duration) {
	if p == nil || p.taskDuration == nil {
		return
	}
	p.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTaskResult(taskType string, result ResultLabel) {
	if p == nil || p.taskResults == nil {
		return
	}
	p.taskResults.WithLabelValues(taskType, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveTokenAcquire(d time.Duration, outcome string) {
	if p == nil || p.tokenAcquire == nil {
		return
	}
	p.tokenAcquire.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveFetchPage(provider string, d time.Duration) {
	if p == nil || p.fetchPageDuration == nil {
		return
	}
	p.fetchPageDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddBuildsFetched(provider string, n int) {
	if p == nil || p.buildsFetched == nil || n <= 0 {
		return
	}
	p.buildsFetched.WithLabelValues(provider).Add(float64(n))
}

func (p *PrometheusRecorder) ObserveResourceAcquire(resource string, d time.Duration, success bool) {
	if p == nil || p.resourceDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.resourceDuration.WithLabelValues(resource, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveNodeDuration(node string, d time.Duration) {
	if p == nil || p.nodeDuration == nil {
		return
	}
	p.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncNodeResult(node string, result ResultLabel) {
	if p == nil || p.nodeResults == nil {
		return
	}
	p.nodeResults.WithLabelValues(node, string(result)).Inc()
}

func (p *PrometheusRecorder) IncExtractionOutcome(outcome string) {
	if p == nil || p.extractionOutcome == nil {
		return
	}
	p.extractionOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncChordCallback(phase string) {
	if p == nil || p.chordCallbacks == nil {
		return
	}
	p.chordCallbacks.WithLabelValues(phase).Inc()
}

func (p *PrometheusRecorder) IncTaskRetry(taskType string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(taskType).Inc()
}

func (p *PrometheusRecorder) IncTaskRetryExhausted(taskType string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(taskType).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetWorkerCount(n int) {
	if p == nil || p.workerCount == nil {
		return
	}
	p.workerCount.Set(float64(n))
}
