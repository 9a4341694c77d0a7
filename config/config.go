// Package config holds the process-wide pipeline configuration that the
// job controller reads once per state-machine step. It never changes
// mid-step: Get returns a snapshot, and the snapshot is what every
// decision in a single Progress() or HandleMessage() call is made against.
package config

import (
	"sync/atomic"
	"time"
)

// Pipeline holds the tunables that the controller's state machine and
// running-job model consult. Field tags follow the go-flags
// convention (long/env/default), so Pipeline can be embedded
// directly into a flags.Parser group in cmd/jobcontrold.
type Pipeline struct {
	WorkerHeartbeatTimeout time.Duration `long:"worker-heartbeat-timeout" env:"WORKER_HEARTBEAT_TIMEOUT" default:"30s" description:"Age beyond which a worker's last heartbeat is considered stale"`
	HealthyDuration        time.Duration `long:"healthy-duration" env:"HEALTHY_DURATION" default:"2m" description:"Running duration after which a job's restart count is reset"`
	AllowedRestarts        int           `long:"allowed-restarts" env:"ALLOWED_RESTARTS" default:"5" description:"Maximum number of restarts before a job is declared fatal; -1 means unbounded"`
	CompactionEnabled      bool          `long:"compaction-enabled" env:"COMPACTION_ENABLED" description:"Globally enable per-operator state compaction"`
}

// Config is the full set of process-wide, immutable-after-init settings.
type Config struct {
	Pipeline Pipeline `group:"pipeline" namespace:"pipeline" env-namespace:"PIPELINE"`
}

var current atomic.Pointer[Config]

// Set installs the process-wide configuration. Called exactly once at
// startup, after flags have been parsed, before any job controller runs.
func Set(c Config) {
	current.Store(&c)
}

// Get returns an immutable snapshot of the current configuration. Callers
// must not retain it across a suspension point if they need to observe
// later updates — in practice nothing in this module calls Set twice,
// but Get is still a snapshot read by contract.
func Get() Config {
	if p := current.Load(); p != nil {
		return *p
	}
	return Config{}
}
