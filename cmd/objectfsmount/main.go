// Command objectfsmount mounts a Swift container as a local POSIX
// filesystem: it wires together the metadata index, the cache manager, the
// object-store adapter and its worker pool, the operation engine, and the
// FUSE mount itself, then serves until a signal asks it to unmount.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/internal/circuit"
	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/internal/engine"
	"github.com/objectfs/swiftmount/internal/health"
	"github.com/objectfs/swiftmount/internal/index"
	"github.com/objectfs/swiftmount/internal/metrics"
	"github.com/objectfs/swiftmount/internal/mount"
	"github.com/objectfs/swiftmount/internal/objectstore"
	"github.com/objectfs/swiftmount/internal/worker"
	"github.com/objectfs/swiftmount/pkg/api"
	"github.com/objectfs/swiftmount/pkg/utils"
)

func usage() {
	fmt.Printf(`objectfsmount - mount a Swift container as a local filesystem.

Usage: objectfsmount [options] <mountpoint>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.StringP("config-file", "f", "", "YAML configuration file (required).")
	sourceBucket := flag.StringP("source-bucket", "b", "", "Swift container to mount (overrides config).")
	cacheDir := flag.StringP("cache-dir", "c", "", "Local cache directory (overrides config).")
	logLevel := flag.StringP("log", "l", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config).")
	debugOn := flag.BoolP("debug", "d", false, "Enable FUSE debug logging.")
	help := flag.BoolP("help", "h", false, "Display this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *configPath == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\n--config-file is required.")
		os.Exit(1)
	}
	if len(flag.Args()) == 0 {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nNo mountpoint provided, exiting.")
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(*configPath); err != nil {
		fatal("loading config: %v", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal("applying environment overrides: %v", err)
	}
	if *sourceBucket != "" {
		cfg.SourceBucket = *sourceBucket
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *logLevel != "" {
		cfg.Global.LogLevel = *logLevel
	}
	cfg.MountDir = mountpoint
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	level, _ := utils.ParseLogLevel(cfg.Global.LogLevel)
	var logOutput = os.Stdout
	if cfg.Global.LogFile != "" {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fatal("opening log file: %v", err)
		}
		defer f.Close()
		logger := utils.NewLogger(level, f)
		run(cfg, mountpoint, logger, *debugOn)
		return
	}
	logger := utils.NewLogger(level, logOutput)
	run(cfg, mountpoint, logger, *debugOn)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func run(cfg *config.Configuration, mountpoint string, logger *utils.Logger, debugOn bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if st, err := os.Stat(mountpoint); err != nil || !st.IsDir() {
		fatal("mountpoint %q does not exist or is not a directory", mountpoint)
	}
	if entries, _ := os.ReadDir(mountpoint); len(entries) > 0 {
		fatal("mountpoint %q must be empty", mountpoint)
	}

	chunkSize, err := utils.ParseBytes(cfg.Swift.ChunkSize)
	if err != nil {
		fatal("invalid swift.chunk_size %q: %v", cfg.Swift.ChunkSize, err)
	}

	remote, err := objectstore.New(ctx, objectstore.Config{
		AuthURL:    cfg.Swift.AuthURL,
		Username:   cfg.Swift.Username,
		Password:   cfg.Swift.Password,
		TenantID:   cfg.Swift.TenantID,
		RegionName: cfg.Swift.RegionName,
		Container:  cfg.SourceBucket,
		ChunkSize:  chunkSize,
		Retry:      cfg.Retry,
	})
	if err != nil {
		fatal("connecting to swift: %v", err)
	}

	idxPath := cfg.CacheDir + "/index.db"
	idx, err := index.OpenBoltStore(idxPath)
	if err != nil {
		fatal("opening metadata index at %s: %v", idxPath, err)
	}
	defer idx.Close()

	cache := cachefile.NewManager(cfg.CacheDir)

	pool := worker.NewPool(remote, cfg.WorkerPool.NumWorkers, cfg.WorkerPool.TaskQueueSize)

	eng, err := engine.New(cfg, idx, cache, pool, remote, logger)
	if err != nil {
		fatal("constructing engine: %v", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:      cfg.Monitoring.Metrics.Enabled,
		Namespace:    "objectfs",
		CustomLabels: cfg.Monitoring.Metrics.CustomLabels,
	})
	if err != nil {
		fatal("constructing metrics collector: %v", err)
	}
	eng.SetMetrics(collector)

	checker := health.NewChecker(&health.Config{
		Enabled:       cfg.Monitoring.HealthChecks.Enabled,
		CheckInterval: cfg.Monitoring.HealthChecks.Interval,
		Timeout:       cfg.Monitoring.HealthChecks.Timeout,
	})
	registerHealthChecks(checker, cfg, cache, pool, remote)

	apiConfig := api.DefaultServerConfig()
	apiConfig.Address = fmt.Sprintf(":%d", cfg.Global.MetricsPort)
	apiServer := api.NewServer(apiConfig, checker, collector, eng, logger)

	if err := eng.Start(ctx); err != nil {
		fatal("starting engine: %v", err)
	}
	collector.Start(ctx)
	checker.Start(ctx)
	apiServer.StartBackground()

	fs := mount.NewFilesystem(eng)
	manager := mount.NewManager(fs, cfg, logger)
	manager.SetDebug(debugOn)

	if err := manager.Mount(); err != nil {
		fatal("mounting %s: %v", mountpoint, err)
	}

	setupSignalHandler(manager, apiServer, collector, checker, eng, remote, mountpoint, cancel, logger)

	logger.Info("objectfsmount: serving %s at %s", cfg.SourceBucket, mountpoint)
	manager.Wait()
}

// registerHealthChecks registers the concrete probes this mount exposes via
// /healthz: cache directory writability, worker pool liveness, the
// object-store's circuit breaker, and the remote endpoint's reachability.
func registerHealthChecks(checker *health.Checker, cfg *config.Configuration, cache *cachefile.Manager, pool *worker.Pool, remote *objectstore.Adapter) {
	checker.Register("cache-dir-writable", "local cache directory accepts writes", health.CategoryCache, health.PriorityHigh, func(ctx context.Context) error {
		probe := cache.Root() + "/.objectfs-healthcheck"
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	})

	checker.Register("worker-pool", "worker pool is accepting tasks", health.CategoryCore, health.PriorityHigh, func(ctx context.Context) error {
		if pool.NumWorkers() <= 0 {
			return fmt.Errorf("worker pool has no workers configured")
		}
		return nil
	})

	checker.Register("swift-reachable", "swift container is reachable", health.CategoryNetwork, health.PriorityCritical, func(ctx context.Context) error {
		_, err := remote.List(ctx)
		return err
	})

	checker.Register("circuit-breaker", "object-store circuit breaker is not open", health.CategoryNetwork, health.PriorityHigh, func(ctx context.Context) error {
		if remote.BreakerState() == circuit.StateOpen {
			return fmt.Errorf("circuit breaker is open")
		}
		return nil
	})
}

func setupSignalHandler(manager *mount.Manager, apiServer *api.Server, collector *metrics.Collector, checker *health.Checker, eng *engine.Engine, remote *objectstore.Adapter, mountpoint string, cancel context.CancelFunc, logger *utils.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("objectfsmount: received %s, unmounting", sig)

		stats := remote.RetryStats()
		logger.Info("objectfsmount: swift retry stats: %d retried attempts, %d successful, %d failed, avg %.1f attempts, max %d attempts used",
			stats.TotalAttempts, stats.SuccessfulRetry, stats.FailedRetry, stats.AverageAttempts, stats.MaxAttemptsUsed)

		cancel()
		checker.Stop()
		collector.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("objectfsmount: api server shutdown: %v", err)
		}

		if err := eng.Stop(); err != nil {
			logger.Error("objectfsmount: engine stop: %v", err)
		}

		if err := manager.Unmount(); err != nil {
			logger.Error("objectfsmount: unmount failed: %v, try \"fusermount -u %s\"", err, mountpoint)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}
