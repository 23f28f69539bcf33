// Package config loads the nimbusd daemon configuration from a YAML file
// with environment variable overrides for the paths operators most often
// need to change on a single host.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/nimbus/nimbusd.yaml"

type Config struct {
	// ListenAddr is the bind address of the management API.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the sqlite database file.
	DatabasePath string `yaml:"database_path"`

	// SnapshotsRoot holds one content-addressed artifact directory per
	// runtime image.
	SnapshotsRoot string `yaml:"snapshots_root"`

	// MachinesRoot holds per-VM run dirs (sockets, logs, config).
	MachinesRoot string `yaml:"machines_root"`

	// FirecrackerBin is the hypervisor binary path.
	FirecrackerBin string `yaml:"firecracker_bin"`

	// NATSURL enables lifecycle event publishing when non-empty.
	NATSURL string `yaml:"nats_url"`

	// Timeouts for the warm and cold paths. Zero values fall back to the
	// defaults below.
	BuildWaitTimeout    time.Duration `yaml:"build_wait_timeout"`    // wait on an in-flight build before cold boot
	EngineResumeTimeout time.Duration `yaml:"engine_resume_timeout"` // engine back up after restore
	IPObserveTimeout    time.Duration `yaml:"ip_observe_timeout"`    // guest reports a fresh address
	LivenessTimeout     time.Duration `yaml:"liveness_timeout"`      // post-restore engine liveness check
	EngineReadyTimeout  time.Duration `yaml:"engine_ready_timeout"`  // full cold-boot readiness probe
	StaleBuildTTL       time.Duration `yaml:"stale_build_ttl"`       // reclaim abandoned creating rows
	GCInterval          time.Duration `yaml:"gc_interval"`
}

func Default() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8720",
		DatabasePath:        "/var/lib/nimbus/nimbus.db",
		SnapshotsRoot:       "/var/lib/nimbus/snapshots",
		MachinesRoot:        "/var/lib/nimbus/machines",
		FirecrackerBin:      "/usr/bin/firecracker",
		BuildWaitTimeout:    60 * time.Second,
		EngineResumeTimeout: 5 * time.Second,
		IPObserveTimeout:    5 * time.Second,
		LivenessTimeout:     10 * time.Second,
		EngineReadyTimeout:  120 * time.Second,
		StaleBuildTTL:       5 * time.Minute,
		GCInterval:          time.Minute,
	}
}

// Load reads the config file at path, applies defaults for unset fields, and
// applies env overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	fillDefaults(&cfg)
	applyEnv(&cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.SnapshotsRoot == "" {
		cfg.SnapshotsRoot = def.SnapshotsRoot
	}
	if cfg.MachinesRoot == "" {
		cfg.MachinesRoot = def.MachinesRoot
	}
	if cfg.FirecrackerBin == "" {
		cfg.FirecrackerBin = def.FirecrackerBin
	}
	if cfg.BuildWaitTimeout == 0 {
		cfg.BuildWaitTimeout = def.BuildWaitTimeout
	}
	if cfg.EngineResumeTimeout == 0 {
		cfg.EngineResumeTimeout = def.EngineResumeTimeout
	}
	if cfg.IPObserveTimeout == 0 {
		cfg.IPObserveTimeout = def.IPObserveTimeout
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}
	if cfg.EngineReadyTimeout == 0 {
		cfg.EngineReadyTimeout = def.EngineReadyTimeout
	}
	if cfg.StaleBuildTTL == 0 {
		cfg.StaleBuildTTL = def.StaleBuildTTL
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = def.GCInterval
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NIMBUS_FIRECRACKER_BIN"); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv("NIMBUS_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("NIMBUS_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
}
