package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	settlementCounter     *prometheus.CounterVec
	enqueueCounter        *prometheus.CounterVec
	deadLetterCounter     *prometheus.CounterVec
	activeWorkersGauge    prometheus.Gauge
	waitingQueuesGauge    prometheus.Gauge
	chainViolationCounter *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
	handlerDuration       *prometheus.HistogramVec
	httpDurationHistogram *prometheus.HistogramVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement outcomes by status",
		}, []string{"outcome"})

		enqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_enqueues_total",
			Help: "Job enqueue results",
		}, []string{"result"})

		deadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_dead_letters_total",
			Help: "Jobs moved to the dead-letter state",
		}, []string{"queue"})

		activeWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_active_workers",
			Help: "Workers currently bound to a queue",
		})

		waitingQueuesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_waiting_queues",
			Help: "Queues waiting for a free worker slot",
		})

		chainViolationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_chain_violations_total",
			Help: "Ledger balance chain invariant violations detected",
		}, []string{"kind"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_handler_duration_seconds",
			Help:    "Job handler latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "result"})

		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		prometheus.MustRegister(
			settlementCounter,
			enqueueCounter,
			deadLetterCounter,
			activeWorkersGauge,
			waitingQueuesGauge,
			chainViolationCounter,
			workerRunCounter,
			handlerDuration,
			httpDurationHistogram,
		)
	})
}

func IncrementSettlement(outcome string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(outcome).Inc()
}

func IncrementEnqueue(result string) {
	if enqueueCounter == nil {
		return
	}
	enqueueCounter.WithLabelValues(result).Inc()
}

func IncrementDeadLetter(queue string) {
	if deadLetterCounter == nil {
		return
	}
	deadLetterCounter.WithLabelValues(queue).Inc()
}

func SetActiveWorkers(n int) {
	if activeWorkersGauge == nil {
		return
	}
	activeWorkersGauge.Set(float64(n))
}

func SetWaitingQueues(n int) {
	if waitingQueuesGauge == nil {
		return
	}
	waitingQueuesGauge.Set(float64(n))
}

func IncrementChainViolation(kind string) {
	if chainViolationCounter == nil {
		return
	}
	chainViolationCounter.WithLabelValues(kind).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func ObserveHandler(kind, result string, duration time.Duration) {
	if handlerDuration == nil {
		return
	}
	handlerDuration.WithLabelValues(kind, result).Observe(duration.Seconds())
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}
