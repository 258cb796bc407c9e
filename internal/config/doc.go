/*
Package config loads and validates the configuration for one Swift-backed
mount: where the local cache and mount point live, which Swift container
and credentials back it, and the ambient worker-pool/retry/metrics/health
settings.

# Configuration Sources

Three sources, in increasing precedence:

	Defaults (NewDefault) → YAML file (LoadFromFile) → Environment (LoadFromEnv)

# Configuration Structure

	cache_dir: /var/cache/swiftmount
	mount_dir: /mnt/moodledata
	source_bucket: moodledata
	swift:
	  auth_url: https://keystone.example.com/v3
	  username: mount-user
	  password: secret
	  tenant_id: tenant-1
	  region_name: RegionOne
	  chunk_size: 64MB
	snapshot_time: "2024-01-15"
	metadata_collection: lazy
	worker_pool:
	  num_workers: 20
	  task_queue_size: 1000
	retry:
	  max_attempts: 5
	  initial_delay: 100ms
	job_executor:
	  max_attempts: 50
	global:
	  log_level: INFO
	  metrics_port: 8080
	  health_port: 8081

Environment overrides follow the OBJECTFS_* convention (OBJECTFS_CACHE_DIR,
OBJECTFS_SWIFT_AUTH_URL, OBJECTFS_NUM_WORKERS, ...); see LoadFromEnv for the
complete list.

Call Validate after loading to check required fields (cache_dir, mount_dir,
source_bucket, the Swift credentials) and internal consistency (distinct
metrics/health ports, a recognized metadata_collection mode, a parseable
snapshot_time) before starting a mount.
*/
package config
