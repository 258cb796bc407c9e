// Package metrics is the Prometheus collector: every mount operation the
// engine completes is recorded here under the engine's own operation
// vocabulary (getattr, read, write, rename, ...), alongside gauges for the
// worker pool and job executor's queue depth. It mirrors the teacher's
// collector in shape — a registry, a handful of vectors, an attach-and-poll
// update loop — renamed and re-scoped to this filesystem's operations
// rather than a generic "operation" label set.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/objectfs/swiftmount/pkg/errors"
)

// Config controls the collector. Unlike the teacher's Collector, this one
// never opens its own listener — pkg/api serves its Gatherer at /metrics,
// since SPEC_FULL's ambient HTTP server is a single process, not one port
// per concern.
type Config struct {
	Enabled        bool
	Namespace      string
	Subsystem      string
	CustomLabels   map[string]string
	UpdateInterval time.Duration
}

// PoolStats is the subset of internal/worker.Pool the collector polls for
// gauge values; kept as an interface so this package never imports worker.
type PoolStats interface {
	QueueDepth() int
	NumWorkers() int
}

// JobStats is the subset of internal/engine's job executor the collector
// polls; see PoolStats for why this is an interface rather than a direct
// dependency.
type JobStats interface {
	PendingJobs() int
}

// Collector is the Prometheus registry and the vectors registered in it.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	workerQueueDepth  prometheus.Gauge
	workerCount       prometheus.Gauge
	jobQueueDepth     prometheus.Gauge

	mu   sync.RWMutex
	pool PoolStats
	jobs JobStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector builds and registers every metric. A nil config uses enabled
// defaults (namespace "objectfs", 15s update interval). A disabled config
// returns a Collector whose recording methods are no-ops, so callers never
// need to nil-check before calling them.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Namespace: "objectfs", UpdateInterval: 15 * time.Second}
	}
	c := &Collector{config: config, stopCh: make(chan struct{})}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "operations_total",
		Help:      "Total number of mount operations, by operation and status.",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "operation_duration_seconds",
		Help:      "Duration of mount operations in seconds, by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "operation_size_bytes",
		Help:      "Bytes transferred by read/write operations.",
		Buckets:   prometheus.ExponentialBuckets(1024, 2, 20), // 1KB .. ~1GB
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "errors_total",
		Help:      "Total number of operation failures, by operation and error code.",
	}, []string{"operation", "code"})

	c.workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "worker_queue_depth",
		Help:      "Number of tasks currently queued for the worker pool.",
	})
	c.workerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "worker_count",
		Help:      "Configured number of worker pool goroutines.",
	})
	c.jobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "job_executor_queue_depth",
		Help:      "Number of operations deferred in the job executor, waiting on a node to become quiescent.",
	})

	for _, m := range []prometheus.Collector{
		c.operationCounter, c.operationDuration, c.operationSize, c.errorCounter,
		c.workerQueueDepth, c.workerCount, c.jobQueueDepth,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Attach gives the collector something to poll for the worker/job gauges.
// Either argument may be nil if that component isn't wired yet.
func (c *Collector) Attach(pool PoolStats, jobs JobStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = pool
	c.jobs = jobs
}

// Gatherer exposes the registry for pkg/api to mount at /metrics via
// promhttp.HandlerFor. Returns nil if metrics are disabled.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c.registry == nil {
		return nil
	}
	return c.registry
}

// Start launches the periodic gauge-refresh loop. No-op if disabled.
func (c *Collector) Start(ctx context.Context) {
	if !c.config.Enabled {
		return
	}
	interval := c.config.UpdateInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refreshGauges()
			}
		}
	}()
}

// Stop halts the gauge-refresh loop.
func (c *Collector) Stop() {
	if !c.config.Enabled {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refreshGauges() {
	c.mu.RLock()
	pool, jobs := c.pool, c.jobs
	c.mu.RUnlock()

	if pool != nil {
		c.workerQueueDepth.Set(float64(pool.QueueDepth()))
		c.workerCount.Set(float64(pool.NumWorkers()))
	}
	if jobs != nil {
		c.jobQueueDepth.Set(float64(jobs.PendingJobs()))
	}
}

// RecordOperation records one completed mount operation: op is the §6
// operation name (getattr, read, write, rename, ...), size is the number of
// bytes transferred (0 if not applicable), and err is the operation's
// result.
func (c *Collector) RecordOperation(op string, duration time.Duration, size int64, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.WithLabelValues(op, status).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(op).Observe(float64(size))
	}
	if err != nil {
		c.errorCounter.WithLabelValues(op, errorCode(err)).Inc()
	}
}

func errorCode(err error) string {
	if fsErr, ok := err.(*errors.FSError); ok {
		return string(fsErr.Code)
	}
	return "other"
}
