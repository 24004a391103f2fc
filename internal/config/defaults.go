package config

// DefaultConfigYAML contains the default configuration YAML content.
// Written by `tapflow init` so a fresh checkout has a documented starting point.
const DefaultConfigYAML = `# Tapflow Configuration
#
# Values not specified here use sensible defaults.
# Every key can also be set through the environment with the TAPFLOW_ prefix,
# e.g. TAPFLOW_STORAGE_POOL_SIZE=10.

# Logging
log:
  # debug, info, warn, error
  level: info
  # auto, text, json. auto picks text on a terminal, json otherwise.
  format: auto

# Primary SQLite store
storage:
  path: .tapflow/data/tasks.db
  # Maximum concurrent connections.
  pool_size: 5
  # How long an operation waits for a free connection before failing.
  acquire_timeout: 5s
  # SQLite busy_timeout pragma.
  busy_timeout: 10s
  # SQLite page cache size in KiB.
  cache_kb: 10000

# Append-only backup side-channel
backup:
  dir: .tapflow/backups
  # Log a warning whenever backup artifacts appear on disk.
  watch: false

# Task execution
engine:
  # Delay between a stop request and finalization, letting
  # in-flight step results land before the session closes.
  stop_grace_delay: 100ms
  # Event bus buffer per subscriber.
  event_buffer: 256

# HTTP status API (tapflow serve)
server:
  addr: 127.0.0.1:8321
`
