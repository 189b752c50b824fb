// Package config loads and saves the YAML configuration shared by the
// collector and node agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen           = ":8888"
	DefaultPort             = 8888
	DefaultStorageDir       = "server_storage"
	DefaultDataDir          = "data"
	DefaultMaxSessions      = 5
	DefaultMaxDatagram      = 2048
	DefaultReorderWindow    = 64
	DefaultTelemetryBackend = "csv"

	DefaultSendInterval      = 2 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSampleInterval    = 5 * time.Second
	DefaultTempThreshold     = 0.5
	DefaultHumThreshold      = 2.0
	DefaultChunkSize         = 1000
	DefaultChunkDelay        = 10 * time.Millisecond
	DefaultResponseTimeout   = 2 * time.Second

	// EnvPrefix prefixes environment overrides, e.g. SENSORFABRIC_COLLECTOR_LISTEN.
	EnvPrefix = "SENSORFABRIC"

	maxUDPPayload = 65507
)

// Config holds collector, node and logging settings.
type Config struct {
	Collector *CollectorConfig `yaml:"collector,omitempty" mapstructure:"collector"`
	Node      *NodeConfig      `yaml:"node,omitempty" mapstructure:"node"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// CollectorConfig is used by the collector process.
type CollectorConfig struct {
	Listen           string        `yaml:"listen" mapstructure:"listen"`
	StorageDir       string        `yaml:"storage_dir" mapstructure:"storage_dir"`
	DataDir          string        `yaml:"data_dir" mapstructure:"data_dir"`
	MaxSessions      int           `yaml:"max_sessions" mapstructure:"max_sessions"`
	MaxDatagram      int           `yaml:"max_datagram" mapstructure:"max_datagram"`
	TransferLease    time.Duration `yaml:"transfer_lease" mapstructure:"transfer_lease"`
	ReorderWindow    int           `yaml:"reorder_window" mapstructure:"reorder_window"`
	TelemetryBackend string        `yaml:"telemetry_backend" mapstructure:"telemetry_backend"`
	DashboardListen  string        `yaml:"dashboard_listen,omitempty" mapstructure:"dashboard_listen"`
	STUNResponder    *bool         `yaml:"stun_responder,omitempty" mapstructure:"stun_responder"`
}

// NodeConfig is used by the agent running next to a sensor.
type NodeConfig struct {
	ID                int           `yaml:"id" mapstructure:"id"`
	Collector         string        `yaml:"collector" mapstructure:"collector"`
	SensorPath        string        `yaml:"sensor_path,omitempty" mapstructure:"sensor_path"`
	SendInterval      time.Duration `yaml:"send_interval" mapstructure:"send_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	SampleInterval    time.Duration `yaml:"sample_interval" mapstructure:"sample_interval"`
	TempThreshold     float64       `yaml:"temp_threshold" mapstructure:"temp_threshold"`
	HumThreshold      float64       `yaml:"hum_threshold" mapstructure:"hum_threshold"`
	Framed            bool          `yaml:"framed" mapstructure:"framed"`
	ChunkSize         int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	// MaxDatagram mirrors collector.max_datagram; chunks and
	// their framing must fit in it.
	MaxDatagram       int           `yaml:"max_datagram" mapstructure:"max_datagram"`
	ChunkDelay        time.Duration `yaml:"chunk_delay" mapstructure:"chunk_delay"`
	ResponseTimeout   time.Duration `yaml:"response_timeout" mapstructure:"response_timeout"`
	STUNServers       []string      `yaml:"stun_servers,omitempty" mapstructure:"stun_servers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" mapstructure:"level"`
	// Format: console or json
	Format string `yaml:"format" mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `yaml:"outputs" mapstructure:"outputs"`
	Rotation    RotationConfig `yaml:"rotation" mapstructure:"rotation"`
	Development bool           `yaml:"development" mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Filename   string `yaml:"filename,omitempty" mapstructure:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// envKeys are bound individually so an environment variable alone can
// introduce a key that the file does not mention.
var envKeys = []string{
	"collector.listen", "collector.storage_dir", "collector.data_dir",
	"collector.max_sessions", "collector.max_datagram", "collector.transfer_lease",
	"collector.reorder_window", "collector.telemetry_backend",
	"collector.dashboard_listen", "collector.stun_responder",
	"node.id", "node.collector", "node.sensor_path", "node.send_interval",
	"node.heartbeat_interval", "node.sample_interval", "node.temp_threshold",
	"node.hum_threshold", "node.framed", "node.chunk_size", "node.max_datagram", "node.chunk_delay",
	"node.response_timeout", "node.stun_servers",
	"log.level", "log.format", "log.outputs", "log.development",
	"log.rotation.enable", "log.rotation.filename", "log.rotation.max_size_mb",
	"log.rotation.max_backups", "log.rotation.max_age_days", "log.rotation.compress",
}

// Load reads a YAML config file and applies SENSORFABRIC_* environment
// overrides. An empty path loads from the environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Collector == nil && cfg.Node == nil {
		return fmt.Errorf("config must contain collector or node section")
	}
	if c := cfg.Collector; c != nil {
		if c.Listen == "" {
			return fmt.Errorf("collector.listen is required")
		}
		if c.MaxSessions <= 0 {
			return fmt.Errorf("collector.max_sessions must be positive")
		}
		if c.MaxDatagram <= 0 || c.MaxDatagram > maxUDPPayload {
			return fmt.Errorf("collector.max_datagram must be in 1..%d", maxUDPPayload)
		}
		if c.TransferLease < 0 {
			return fmt.Errorf("collector.transfer_lease must not be negative")
		}
		if c.ReorderWindow < 0 {
			return fmt.Errorf("collector.reorder_window must not be negative")
		}
		switch c.TelemetryBackend {
		case "csv", "badger":
		default:
			return fmt.Errorf("collector.telemetry_backend %q is not csv or badger", c.TelemetryBackend)
		}
	}
	if n := cfg.Node; n != nil {
		if n.ID <= 0 {
			return fmt.Errorf("node.id must be positive")
		}
		if n.Collector == "" {
			return fmt.Errorf("node.collector is required")
		}
		if n.MaxDatagram <= 0 || n.MaxDatagram > maxUDPPayload {
			return fmt.Errorf("node.max_datagram must be in 1..%d", maxUDPPayload)
		}
		if n.ChunkSize <= 0 || n.ChunkSize > n.MaxDatagram {
			return fmt.Errorf("node.chunk_size must be in 1..%d (node.max_datagram)", n.MaxDatagram)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", cfg.Log.Level)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if c := cfg.Collector; c != nil {
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
		if c.StorageDir == "" {
			c.StorageDir = DefaultStorageDir
		}
		if c.DataDir == "" {
			c.DataDir = DefaultDataDir
		}
		if c.MaxSessions == 0 {
			c.MaxSessions = DefaultMaxSessions
		}
		if c.MaxDatagram == 0 {
			c.MaxDatagram = DefaultMaxDatagram
		}
		if c.ReorderWindow == 0 {
			c.ReorderWindow = DefaultReorderWindow
		}
		if c.TelemetryBackend == "" {
			c.TelemetryBackend = DefaultTelemetryBackend
		}
		if c.STUNResponder == nil {
			on := true
			c.STUNResponder = &on
		}
	}

	if n := cfg.Node; n != nil {
		if n.SendInterval == 0 {
			n.SendInterval = DefaultSendInterval
		}
		if n.HeartbeatInterval == 0 {
			n.HeartbeatInterval = DefaultHeartbeatInterval
		}
		if n.SampleInterval == 0 {
			n.SampleInterval = DefaultSampleInterval
		}
		if n.TempThreshold == 0 {
			n.TempThreshold = DefaultTempThreshold
		}
		if n.HumThreshold == 0 {
			n.HumThreshold = DefaultHumThreshold
		}
		if n.ChunkSize == 0 {
			n.ChunkSize = DefaultChunkSize
		}
		if n.MaxDatagram == 0 {
			n.MaxDatagram = DefaultMaxDatagram
		}
		if n.ChunkDelay == 0 {
			n.ChunkDelay = DefaultChunkDelay
		}
		if n.ResponseTimeout == 0 {
			n.ResponseTimeout = DefaultResponseTimeout
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []string{"stderr"}
	}
}

// STUNEnabled reports whether the collector answers STUN binding requests.
func (c *CollectorConfig) STUNEnabled() bool {
	return c.STUNResponder == nil || *c.STUNResponder
}
