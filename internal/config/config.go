// Package config loads and validates the mount engine's configuration: the
// local cache/mount paths, the Swift container and credentials, the
// snapshot view, and the ambient worker-pool/retry/metrics/health sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/swiftmount/pkg/retry"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// Configuration is the complete configuration for one mount.
type Configuration struct {
	// CacheDir is the local directory backing every cached file; its
	// realpath is the cache root every virtual path is mapped under.
	CacheDir string `yaml:"cache_dir"`

	// MountDir is the local directory the FUSE filesystem is mounted at.
	MountDir string `yaml:"mount_dir"`

	// SourceBucket is the Swift container mirrored by the mount.
	SourceBucket string `yaml:"source_bucket"`

	Swift SwiftConfig `yaml:"swift"`

	// SnapshotTime, if set, restricts the mount's view of the tree to
	// nodes that existed (or weren't yet deleted) as of this time. Empty
	// means "now" - no restriction. Accepts RFC3339 or "YYYY-MM-DD".
	SnapshotTime string `yaml:"snapshot_time"`

	// MetadataCollection controls how the metadata index is populated on
	// startup: "prefetch" lists and HEADs the whole container up front,
	// "lazy" (the default) populates the index on demand as paths are
	// looked up.
	MetadataCollection string `yaml:"metadata_collection"`

	Global      GlobalConfig      `yaml:"global"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
	Retry       retry.Config      `yaml:"retry"`
	JobExecutor JobExecutorConfig `yaml:"job_executor"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// SwiftConfig holds the Keystone/Swift credentials the object-store adapter
// authenticates with, matching the original implementation's config keys
// (auth_url, username, password, tenant_id, region_name) exactly.
type SwiftConfig struct {
	AuthURL    string `yaml:"auth_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TenantID   string `yaml:"tenant_id"`
	RegionName string `yaml:"region_name"`

	// ChunkSize is the threshold above which an upload is segmented as a
	// Swift dynamic large object, and the size of each segment/download
	// chunk. Accepts human-readable sizes ("64MB").
	ChunkSize string `yaml:"chunk_size"`
}

// GlobalConfig holds process-wide settings: logging and the ports the
// ambient HTTP server (pkg/api) listens on.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// WorkerPoolConfig sizes the bounded worker pool that executes object-store
// operations on the job executor's behalf.
type WorkerPoolConfig struct {
	NumWorkers    int `yaml:"num_workers"`
	TaskQueueSize int `yaml:"task_queue_size"`
}

// JobExecutorConfig bounds the deferred job executor's retry of operations
// waiting on a node to become quiescent (the "Job-executor rule").
type JobExecutorConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// MonitoringConfig groups the ambient metrics/health-check settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig controls the periodic health checker.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with sensible defaults; the fields
// with no sane default (CacheDir, MountDir, SourceBucket, Swift
// credentials) are left empty and must be supplied before Validate passes.
func NewDefault() *Configuration {
	return &Configuration{
		MetadataCollection: "lazy",
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		Swift: SwiftConfig{
			ChunkSize: "64MB",
		},
		WorkerPool: WorkerPoolConfig{
			NumWorkers:    20,
			TaskQueueSize: 1000,
		},
		Retry: retry.DefaultConfig(),
		JobExecutor: JobExecutorConfig{
			MaxAttempts:   50,
			RetryInterval: 100 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				CustomLabels: map[string]string{
					"service": "swiftmount",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it onto
// whatever the Configuration already holds (call NewDefault first).
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays environment variable overrides, OBJECTFS_*-prefixed
// to match the teacher's convention, taking precedence over file values.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("OBJECTFS_CACHE_DIR"); val != "" {
		c.CacheDir = val
	}
	if val := os.Getenv("OBJECTFS_MOUNT_DIR"); val != "" {
		c.MountDir = val
	}
	if val := os.Getenv("OBJECTFS_SOURCE_BUCKET"); val != "" {
		c.SourceBucket = val
	}
	if val := os.Getenv("OBJECTFS_SNAPSHOT_TIME"); val != "" {
		c.SnapshotTime = val
	}
	if val := os.Getenv("OBJECTFS_METADATA_COLLECTION"); val != "" {
		c.MetadataCollection = val
	}

	if val := os.Getenv("OBJECTFS_SWIFT_AUTH_URL"); val != "" {
		c.Swift.AuthURL = val
	}
	if val := os.Getenv("OBJECTFS_SWIFT_USERNAME"); val != "" {
		c.Swift.Username = val
	}
	if val := os.Getenv("OBJECTFS_SWIFT_PASSWORD"); val != "" {
		c.Swift.Password = val
	}
	if val := os.Getenv("OBJECTFS_SWIFT_TENANT_ID"); val != "" {
		c.Swift.TenantID = val
	}
	if val := os.Getenv("OBJECTFS_SWIFT_REGION_NAME"); val != "" {
		c.Swift.RegionName = val
	}
	if val := os.Getenv("OBJECTFS_SWIFT_CHUNK_SIZE"); val != "" {
		c.Swift.ChunkSize = val
	}

	if val := os.Getenv("OBJECTFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OBJECTFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("OBJECTFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("OBJECTFS_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}

	if val := os.Getenv("OBJECTFS_NUM_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.WorkerPool.NumWorkers = n
		}
	}

	return nil
}

// SaveToFile writes the configuration as YAML, matching the teacher's
// restrictive file permissions for configuration that carries credentials.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is complete and internally
// consistent enough to start a mount.
func (c *Configuration) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.MountDir == "" {
		return fmt.Errorf("mount_dir is required")
	}
	if c.SourceBucket == "" {
		return fmt.Errorf("source_bucket is required")
	}
	if err := utils.ValidatePath(c.CacheDir, true); err != nil {
		return fmt.Errorf("invalid cache_dir: %w", err)
	}
	if err := utils.ValidatePath(c.MountDir, true); err != nil {
		return fmt.Errorf("invalid mount_dir: %w", err)
	}

	if c.Swift.AuthURL == "" {
		return fmt.Errorf("swift.auth_url is required")
	}
	if c.Swift.Username == "" {
		return fmt.Errorf("swift.username is required")
	}
	if c.Swift.TenantID == "" {
		return fmt.Errorf("swift.tenant_id is required")
	}
	if c.Swift.RegionName == "" {
		return fmt.Errorf("swift.region_name is required")
	}
	if _, err := utils.ParseBytes(c.Swift.ChunkSize); err != nil {
		return fmt.Errorf("invalid swift.chunk_size: %w", err)
	}

	if c.MetadataCollection != "lazy" && c.MetadataCollection != "prefetch" {
		return fmt.Errorf("metadata_collection must be \"lazy\" or \"prefetch\", got %q", c.MetadataCollection)
	}

	if c.SnapshotTime != "" {
		if _, err := ParseSnapshotTime(c.SnapshotTime); err != nil {
			return fmt.Errorf("invalid snapshot_time: %w", err)
		}
	}

	if c.WorkerPool.NumWorkers <= 0 {
		return fmt.Errorf("worker_pool.num_workers must be greater than 0")
	}
	if c.WorkerPool.TaskQueueSize <= 0 {
		return fmt.Errorf("worker_pool.task_queue_size must be greater than 0")
	}
	if c.JobExecutor.MaxAttempts <= 0 {
		return fmt.Errorf("job_executor.max_attempts must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	return nil
}

// snapshotLayouts are the timestamp formats ParseSnapshotTime accepts, the
// Go equivalent of the original implementation's dateutil.parser.parse
// call restricted to the two forms the config realistically uses.
var snapshotLayouts = []string{
	time.RFC3339,
	"2006-01-02",
}

// ParseSnapshotTime parses a snapshot_time configuration value.
func ParseSnapshotTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range snapshotLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("unrecognized snapshot_time format %q: %w", s, lastErr)
}
