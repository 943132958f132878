package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default ports of the rig.
const (
	DefaultListen   = "0.0.0.0:19777"
	DefaultNodePort = 19776
	DefaultMTDPort  = 19765
)

// Config represents the top-level TOML structure.
//
// viper lower-cases map keys, so tables keyed by daemon or process names
// ([connect.daemon_map], [process_alias]) are matched case-insensitively by
// their consumers.
type Config struct {
	Server       ServerConfig      `toml:"server" mapstructure:"server"`
	Log          LogConfig         `toml:"log" mapstructure:"log"`
	Poller       PollerConfig      `toml:"poller" mapstructure:"poller"`
	Liveness     LivenessConfig    `toml:"liveness" mapstructure:"liveness"`
	RPC          RPCConfig         `toml:"rpc" mapstructure:"rpc"`
	Restart      RestartConfig     `toml:"restart" mapstructure:"restart"`
	Connect      ConnectConfig     `toml:"connect" mapstructure:"connect"`
	Camera       CameraConfig      `toml:"camera" mapstructure:"camera"`
	State        StateConfig       `toml:"state" mapstructure:"state"`
	Metrics      MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	History      HistoryConfig     `toml:"history" mapstructure:"history"`
	ProcessAlias map[string]string `toml:"process_alias" mapstructure:"process_alias"`
	Nodes        []NodeConfig      `toml:"nodes" mapstructure:"nodes"`

	path string
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the control plane over HTTPS. Either CertFile/KeyFile or
// Dir must be set; with AutoGenerate a self-signed pair is written to Dir
// when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type PollerConfig struct {
	Heartbeat     time.Duration `toml:"heartbeat" mapstructure:"heartbeat"`
	StatusTimeout time.Duration `toml:"status_timeout" mapstructure:"status_timeout"`
	ConfigTimeout time.Duration `toml:"config_timeout" mapstructure:"config_timeout"`
}

type LivenessConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `toml:"interval" mapstructure:"interval"`
	Method     string        `toml:"method" mapstructure:"method"`
	Port       int           `toml:"port" mapstructure:"port"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	Workers    int           `toml:"workers" mapstructure:"workers"`
	Privileged bool          `toml:"privileged" mapstructure:"privileged"`
}

type RPCConfig struct {
	MTDHost   string        `toml:"mtd_host" mapstructure:"mtd_host"`
	MTDPort   int           `toml:"mtd_port" mapstructure:"mtd_port"`
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
	TraceFile string        `toml:"trace_file" mapstructure:"trace_file"`
}

type RestartConfig struct {
	PostTimeout          time.Duration `toml:"post_timeout" mapstructure:"post_timeout"`
	StatusTimeout        time.Duration `toml:"status_timeout" mapstructure:"status_timeout"`
	ReadyTimeout         time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	SettleWindow         time.Duration `toml:"settle_window" mapstructure:"settle_window"`
	SettleInterval       time.Duration `toml:"settle_interval" mapstructure:"settle_interval"`
	PollInterval         time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	MaxWorkers           int           `toml:"max_workers" mapstructure:"max_workers"`
	MinPrepare           time.Duration `toml:"min_prepare" mapstructure:"min_prepare"`
	UptimeResetRatio     float64       `toml:"uptime_reset_ratio" mapstructure:"uptime_reset_ratio"`
	StartSkew            time.Duration `toml:"start_skew" mapstructure:"start_skew"`
	RunningStreak        int           `toml:"running_streak" mapstructure:"running_streak"`
	RunningStreakMinWait time.Duration `toml:"running_streak_min_wait" mapstructure:"running_streak_min_wait"`
	MaxBlockers          int           `toml:"max_blockers" mapstructure:"max_blockers"`
}

type ConnectConfig struct {
	DMPDIP         string            `toml:"dmpdip" mapstructure:"dmpdip"`
	DaemonMap      map[string]string `toml:"daemon_map" mapstructure:"daemon_map"`
	VersionRetries int               `toml:"version_retries" mapstructure:"version_retries"`
	AIRetryDelay   time.Duration     `toml:"ai_retry_delay" mapstructure:"ai_retry_delay"`
	SwitchAttempts int               `toml:"switch_attempts" mapstructure:"switch_attempts"`
	SwitchDelay    time.Duration     `toml:"switch_delay" mapstructure:"switch_delay"`
}

type CameraConfig struct {
	StepTimeout    time.Duration `toml:"step_timeout" mapstructure:"step_timeout"`
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	Retries        int           `toml:"retries" mapstructure:"retries"`
}

type StateConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled    bool   `toml:"enabled" mapstructure:"enabled"`
	DSN        string `toml:"dsn" mapstructure:"dsn"`
	ReportFile bool   `toml:"report_file" mapstructure:"report_file"`
}

// NodeConfig is one host running a local status service.
type NodeConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	Host string `toml:"host" mapstructure:"host"`
	Port int    `toml:"port" mapstructure:"port"`
}

// Path returns the file the config was loaded from (empty for Default()).
func (c *Config) Path() string { return c.path }

// Load reads a TOML config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Default returns a config with every default applied and no nodes.
func Default() *Config {
	cfg, _ := decode(newViper())
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Port <= 0 {
			cfg.Nodes[i].Port = DefaultNodePort
		}
		cfg.Nodes[i].Host = strings.TrimSpace(cfg.Nodes[i].Host)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)

	v.SetDefault("poller.heartbeat", 2*time.Second)
	v.SetDefault("poller.status_timeout", 2500*time.Millisecond)
	v.SetDefault("poller.config_timeout", 10*time.Second)

	v.SetDefault("liveness.enabled", true)
	v.SetDefault("liveness.interval", time.Second)
	v.SetDefault("liveness.method", "auto")
	v.SetDefault("liveness.port", 554)
	v.SetDefault("liveness.timeout", 800*time.Millisecond)
	v.SetDefault("liveness.workers", 8)

	v.SetDefault("rpc.mtd_host", "127.0.0.1")
	v.SetDefault("rpc.mtd_port", DefaultMTDPort)
	v.SetDefault("rpc.timeout", 10*time.Second)
	v.SetDefault("rpc.trace_file", "mtd_trace.jsonl")

	v.SetDefault("restart.post_timeout", 30*time.Second)
	v.SetDefault("restart.status_timeout", 10*time.Second)
	v.SetDefault("restart.ready_timeout", 40*time.Second)
	v.SetDefault("restart.settle_window", 20*time.Second)
	v.SetDefault("restart.settle_interval", 500*time.Millisecond)
	v.SetDefault("restart.poll_interval", 250*time.Millisecond)
	v.SetDefault("restart.max_workers", 8)
	v.SetDefault("restart.min_prepare", 300*time.Millisecond)
	v.SetDefault("restart.uptime_reset_ratio", 0.5)
	v.SetDefault("restart.start_skew", 200*time.Millisecond)
	v.SetDefault("restart.running_streak", 2)
	v.SetDefault("restart.running_streak_min_wait", time.Second)
	v.SetDefault("restart.max_blockers", 10)

	v.SetDefault("connect.version_retries", 3)
	v.SetDefault("connect.ai_retry_delay", 500*time.Millisecond)
	v.SetDefault("connect.switch_attempts", 3)
	v.SetDefault("connect.switch_delay", time.Second)

	v.SetDefault("camera.step_timeout", 10*time.Second)
	v.SetDefault("camera.connect_timeout", 30*time.Second)
	v.SetDefault("camera.retries", 3)

	v.SetDefault("state.dir", "state")

	v.SetDefault("history.report_file", true)
}

// Validate checks the invariants the daemon relies on.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name required", i)
		}
		if n.Host == "" {
			return fmt.Errorf("node %s: host required", n.Name)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	switch strings.ToLower(c.Liveness.Method) {
	case "auto", "tcp", "icmp":
	default:
		return fmt.Errorf("liveness.method must be auto, tcp or icmp, got %q", c.Liveness.Method)
	}
	if c.Restart.UptimeResetRatio <= 0 || c.Restart.UptimeResetRatio > 1 {
		return errors.New("restart.uptime_reset_ratio must be in (0, 1]")
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return errors.New("server.tls.enabled requires cert_file and key_file, or dir")
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		return errors.New("history.enabled requires history.dsn")
	}
	return nil
}

// StateDir resolves state.dir relative to the config file location.
func (c *Config) StateDir() string {
	return c.resolve(c.State.Dir)
}

// LogDir resolves log.dir relative to the config file location.
func (c *Config) LogDir() string {
	if c.Log.Dir == "" {
		return ""
	}
	return c.resolve(c.Log.Dir)
}

// ServerTLS returns server.tls with its paths resolved like StateDir.
func (c *Config) ServerTLS() TLSConfig {
	t := c.Server.TLS
	t.Hosts = append([]string(nil), t.Hosts...)
	if t.CertFile != "" {
		t.CertFile = c.resolve(t.CertFile)
	}
	if t.KeyFile != "" {
		t.KeyFile = c.resolve(t.KeyFile)
	}
	if t.Dir != "" {
		t.Dir = c.resolve(t.Dir)
	}
	return t
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}
