// Package config defines the TOML configuration for the skill runtime
// and the update sidecar, with environment overrides for the settings
// that vary per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Autonomy  AutonomyConfig  `toml:"autonomy"`
	Updater   UpdaterConfig   `toml:"updater"`
	Storage   StorageConfig   `toml:"storage"`
	Vector    VectorConfig    `toml:"vector"`
	Broker    BrokerConfig    `toml:"broker"`
	Logging   LoggingConfig   `toml:"logging"`
	Skills    SkillsConfig    `toml:"skills"`
}

// ServerConfig holds the gateway HTTP settings.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// DispatchConfig holds request routing settings.
type DispatchConfig struct {
	RequestTimeoutSeconds int            `toml:"request_timeout_seconds"`
	SkillTimeoutSeconds   map[string]int `toml:"skill_timeout_seconds"`
}

// RequestTimeout returns the request deadline as a duration.
func (d DispatchConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutSeconds) * time.Second
}

// SkillTimeouts returns the per-skill overrides as durations.
func (d DispatchConfig) SkillTimeouts() map[string]time.Duration {
	if len(d.SkillTimeoutSeconds) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(d.SkillTimeoutSeconds))
	for name, secs := range d.SkillTimeoutSeconds {
		out[name] = time.Duration(secs) * time.Second
	}
	return out
}

// HeartbeatConfig holds proactive scheduler settings.
type HeartbeatConfig struct {
	IntervalSeconds      int `toml:"interval_seconds"`
	SkillTimeoutSeconds  int `toml:"skill_timeout_seconds"`
	Concurrency          int `toml:"concurrency"`
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// Interval returns the tick interval as a duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// SkillTimeout returns the per-skill deadline as a duration.
func (h HeartbeatConfig) SkillTimeout() time.Duration {
	return time.Duration(h.SkillTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the drain window as a duration.
func (h HeartbeatConfig) ShutdownGrace() time.Duration {
	return time.Duration(h.ShutdownGraceSeconds) * time.Second
}

// AutonomyConfig holds pending-action lifecycle settings.
type AutonomyConfig struct {
	TTLMinutes           int `toml:"ttl_minutes"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	RetentionMinutes     int `toml:"retention_minutes"`
}

// TTL returns the pending-action lifetime as a duration.
func (a AutonomyConfig) TTL() time.Duration {
	return time.Duration(a.TTLMinutes) * time.Minute
}

// SweepInterval returns the sweeper cadence as a duration.
func (a AutonomyConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// Retention returns how long terminal actions stay queryable.
func (a AutonomyConfig) Retention() time.Duration {
	return time.Duration(a.RetentionMinutes) * time.Minute
}

// UpdaterConfig holds the update executor and sidecar settings.
type UpdaterConfig struct {
	ProjectDir            string `toml:"project_dir"`
	ComposeFile           string `toml:"compose_file"`
	ListenAddr            string `toml:"listen_addr"`
	BaseURL               string `toml:"base_url"`
	SecretPath            string `toml:"secret_path"`
	HealthURLs            string `toml:"health_urls"`
	HistoryDB             string `toml:"history_db"`
	BuildTimeoutSeconds   int    `toml:"build_timeout_seconds"`
	RestartTimeoutSeconds int    `toml:"restart_timeout_seconds"`
	HealthRetries         int    `toml:"health_retries"`
	HealthDelaySeconds    int    `toml:"health_delay_seconds"`
}

// BuildTimeout returns the image build deadline as a duration.
func (u UpdaterConfig) BuildTimeout() time.Duration {
	return time.Duration(u.BuildTimeoutSeconds) * time.Second
}

// RestartTimeout returns the per-service restart deadline as a duration.
func (u UpdaterConfig) RestartTimeout() time.Duration {
	return time.Duration(u.RestartTimeoutSeconds) * time.Second
}

// HealthDelay returns the pause between health probes as a duration.
func (u UpdaterConfig) HealthDelay() time.Duration {
	return time.Duration(u.HealthDelaySeconds) * time.Second
}

// StorageConfig holds the operational store and presence settings.
type StorageConfig struct {
	PostgresDSN string `toml:"postgres_dsn"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
}

// VectorConfig holds the vector store client settings.
type VectorConfig struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	EncryptionKey string `toml:"encryption_key"`
}

// BrokerConfig holds the inference broker settings.
type BrokerConfig struct {
	BaseURL         string  `toml:"base_url"`
	APIKey          string  `toml:"api_key"`
	Model           string  `toml:"model"`
	RequestsPerSec  float64 `toml:"requests_per_sec"`
	Burst           int     `toml:"burst"`
	BreakerFailures uint32  `toml:"breaker_failures"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
}

// Timeout returns the inference call deadline as a duration.
func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SkillsConfig holds per-skill settings.
type SkillsConfig struct {
	RepoWatch RepoWatchConfig `toml:"repowatch"`
	Insight   InsightConfig   `toml:"insight"`
}

// RepoWatchConfig configures the repository watcher skill.
type RepoWatchConfig struct {
	Repo           string `toml:"repo"`
	TokenEnv       string `toml:"token_env"`
	StaleAfterDays int    `toml:"stale_after_days"`
}

// InsightConfig configures the insight skill.
type InsightConfig struct {
	Collection string `toml:"collection"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Dispatch: DispatchConfig{
			RequestTimeoutSeconds: 60,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:      60,
			SkillTimeoutSeconds:  15,
			Concurrency:          16,
			ShutdownGraceSeconds: 30,
		},
		Autonomy: AutonomyConfig{
			TTLMinutes:           10,
			SweepIntervalSeconds: 60,
			RetentionMinutes:     60,
		},
		Updater: UpdaterConfig{
			ProjectDir:            "/app",
			ComposeFile:           "docker-compose.yml",
			ListenAddr:            "127.0.0.1:9131",
			BaseURL:               "http://127.0.0.1:9131",
			SecretPath:            "/app/data/.updater-secret",
			HistoryDB:             "/app/data/updates.db",
			BuildTimeoutSeconds:   600,
			RestartTimeoutSeconds: 120,
			HealthRetries:         6,
			HealthDelaySeconds:    10,
		},
		Storage: StorageConfig{
			RedisAddr: "127.0.0.1:6379",
		},
		Broker: BrokerConfig{
			Model:           "default",
			RequestsPerSec:  5,
			Burst:           10,
			BreakerFailures: 5,
			TimeoutSeconds:  60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Skills: SkillsConfig{
			RepoWatch: RepoWatchConfig{
				TokenEnv:       "GITHUB_TOKEN",
				StaleAfterDays: 14,
			},
			Insight: InsightConfig{
				Collection: "insights",
			},
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; the defaults plus environment overrides apply. Unknown
// keys are rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv maps the documented environment variables over the file
// values. Environment wins so containerized deployments can override
// the baked-in config.
func (c *Config) applyEnv() {
	set := func(target *string, key string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	set(&c.Updater.ProjectDir, "PROJECT_DIR")
	set(&c.Updater.ComposeFile, "COMPOSE_FILE")
	set(&c.Updater.HealthURLs, "HEALTH_URLS")
	set(&c.Updater.SecretPath, "UPDATER_SECRET_PATH")
	set(&c.Updater.ListenAddr, "UPDATER_LISTEN_ADDR")
	set(&c.Updater.BaseURL, "UPDATER_BASE_URL")
	set(&c.Server.ListenAddr, "CASTELLAN_LISTEN_ADDR")
	set(&c.Storage.PostgresDSN, "CASTELLAN_POSTGRES_DSN")
	set(&c.Storage.RedisAddr, "CASTELLAN_REDIS_ADDR")
	set(&c.Vector.BaseURL, "CASTELLAN_VECTOR_URL")
	set(&c.Vector.APIKey, "CASTELLAN_VECTOR_API_KEY")
	set(&c.Vector.EncryptionKey, "CASTELLAN_ENCRYPTION_KEY")
	set(&c.Broker.BaseURL, "CASTELLAN_BROKER_URL")
	set(&c.Broker.APIKey, "CASTELLAN_BROKER_API_KEY")
	set(&c.Logging.Level, "CASTELLAN_LOG_LEVEL")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Dispatch.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.request_timeout_seconds must be positive")
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat.interval_seconds must be positive")
	}
	if c.Heartbeat.Concurrency <= 0 {
		return fmt.Errorf("heartbeat.concurrency must be positive")
	}
	if c.Autonomy.TTLMinutes <= 0 {
		return fmt.Errorf("autonomy.ttl_minutes must be positive")
	}
	if c.Updater.HealthRetries <= 0 {
		return fmt.Errorf("updater.health_retries must be positive")
	}
	return nil
}
