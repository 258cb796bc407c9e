/*
Package metrics collects Prometheus metrics for the mount engine's
operations, worker pool, and job executor.

# Core Components

Collector aggregates operation counters/histograms and polls the worker
pool and job executor for gauge values on a timer:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "objectfs",
	})
	if err != nil {
		log.Fatal(err)
	}
	collector.Attach(pool, engine) // pool: PoolStats, engine: JobStats
	collector.Start(ctx)
	defer collector.Stop()

# Recording Operations

	start := time.Now()
	data, err := performOperation()
	collector.RecordOperation("read", time.Since(start), int64(len(data)), err)

# Exported Metrics

Counters:
  - objectfs_operations_total{operation,status}
  - objectfs_errors_total{operation,code}

Histograms:
  - objectfs_operation_duration_seconds{operation}
  - objectfs_operation_size_bytes{operation}

Gauges:
  - objectfs_worker_queue_depth
  - objectfs_worker_count
  - objectfs_job_executor_queue_depth

# Serving

The collector does not run its own HTTP server. pkg/api mounts
collector.Gatherer() behind promhttp.HandlerFor at /metrics, alongside
/healthz and /status on one listener.

# See Also

  - internal/health: health checks exposed through the same server
  - internal/circuit: circuit breaker state surfaced as a health check
  - pkg/errors: structured error handling
*/
package metrics
