package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Engine struct {
		AppID   string `yaml:"app_id"`
		Channel string `yaml:"channel"`
		Token   string `yaml:"token"`
		UID     uint32 `yaml:"uid"`
		// ProbeBeforeJoin runs a lastmile probe and uses its result for the join bitrate.
		ProbeBeforeJoin bool `yaml:"probe_before_join"`
	} `yaml:"engine"`

	Signal struct {
		URL               string        `yaml:"url"`
		DialTimeout       time.Duration `yaml:"dial_timeout"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`

		// NegotiateMedia attaches a receive only peer connection to each session.
		NegotiateMedia bool `yaml:"negotiate_media"`
		ICEServers     []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"signal"`

	Connection struct {
		LostTimeout           time.Duration `yaml:"lost_timeout"`
		FailTimeout           time.Duration `yaml:"fail_timeout"`
		InitialBackoff        time.Duration `yaml:"initial_backoff"`
		MaxBackoff            time.Duration `yaml:"max_backoff"`
		TokenRenewWindow      time.Duration `yaml:"token_renew_window"`
		TokenWillExpireLead   time.Duration `yaml:"token_will_expire_lead"`
		MaxInitialBitrateKbps int           `yaml:"max_initial_bitrate_kbps"`
		LeaveTimeout          time.Duration `yaml:"leave_timeout"`
	} `yaml:"connection"`

	Probe struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"probe"`

	Fallback struct {
		LossThreshold    float64 `yaml:"loss_threshold"`
		MinBandwidthKbps int     `yaml:"min_bandwidth_kbps"`
		DowngradeSamples int     `yaml:"downgrade_samples"`
		UpgradeSamples   int     `yaml:"upgrade_samples"`
	} `yaml:"fallback"`

	Relay struct {
		LostTimeout    time.Duration `yaml:"lost_timeout"`
		FailTimeout    time.Duration `yaml:"fail_timeout"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"relay"`

	Telemetry struct {
		Interval       time.Duration `yaml:"interval"`
		VideoFreezeGap time.Duration `yaml:"video_freeze_gap"`
		AudioFreezeGap time.Duration `yaml:"audio_freeze_gap"`
		MinFreezeFPS   int           `yaml:"min_freeze_fps"`
		CollectTimeout time.Duration `yaml:"collect_timeout"`
	} `yaml:"telemetry"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`

		// AdminToken guards the /api routes when set.
		AdminToken        string  `yaml:"admin_token"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.DialTimeout <= 0 {
		return fmt.Errorf("signal.dial_timeout must be > 0")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}

	// Connection
	if c.Connection.LostTimeout <= 0 {
		return fmt.Errorf("connection.lost_timeout must be > 0")
	}
	if c.Connection.FailTimeout <= c.Connection.LostTimeout {
		return fmt.Errorf("connection.fail_timeout must be > connection.lost_timeout")
	}
	if c.Connection.InitialBackoff <= 0 || c.Connection.MaxBackoff < c.Connection.InitialBackoff {
		return fmt.Errorf("connection backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Connection.TokenRenewWindow <= 0 {
		return fmt.Errorf("connection.token_renew_window must be > 0")
	}
	if c.Connection.TokenWillExpireLead < 0 {
		return fmt.Errorf("connection.token_will_expire_lead must be >= 0")
	}
	if c.Connection.MaxInitialBitrateKbps <= 0 {
		return fmt.Errorf("connection.max_initial_bitrate_kbps must be > 0")
	}
	if c.Connection.LeaveTimeout <= 0 {
		return fmt.Errorf("connection.leave_timeout must be > 0")
	}

	// Probe
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be > 0")
	}

	// Fallback
	if c.Fallback.LossThreshold <= 0 || c.Fallback.LossThreshold >= 1 {
		return fmt.Errorf("fallback.loss_threshold must be in (0,1)")
	}
	if c.Fallback.MinBandwidthKbps < 0 {
		return fmt.Errorf("fallback.min_bandwidth_kbps must be >= 0")
	}
	if c.Fallback.DowngradeSamples <= 0 {
		return fmt.Errorf("fallback.downgrade_samples must be > 0")
	}
	if c.Fallback.UpgradeSamples <= 0 {
		return fmt.Errorf("fallback.upgrade_samples must be > 0")
	}

	// Relay
	if c.Relay.LostTimeout <= 0 {
		return fmt.Errorf("relay.lost_timeout must be > 0")
	}
	if c.Relay.FailTimeout <= c.Relay.LostTimeout {
		return fmt.Errorf("relay.fail_timeout must be > relay.lost_timeout")
	}
	if c.Relay.InitialBackoff <= 0 || c.Relay.MaxBackoff < c.Relay.InitialBackoff {
		return fmt.Errorf("relay backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be > 0")
	}

	// Telemetry
	if c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be > 0")
	}
	if c.Telemetry.VideoFreezeGap <= 0 {
		return fmt.Errorf("telemetry.video_freeze_gap must be > 0")
	}
	if c.Telemetry.AudioFreezeGap <= 0 {
		return fmt.Errorf("telemetry.audio_freeze_gap must be > 0")
	}
	if c.Telemetry.MinFreezeFPS <= 0 {
		return fmt.Errorf("telemetry.min_freeze_fps must be > 0")
	}
	if c.Telemetry.CollectTimeout <= 0 {
		return fmt.Errorf("telemetry.collect_timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}
	if c.Monitoring.RequestsPerSecond < 0 || c.Monitoring.Burst < 0 || c.Monitoring.MaxConcurrent < 0 {
		return fmt.Errorf("monitoring rate limits must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.ProbeBeforeJoin = true

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.DialTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 2 * time.Second
	cfg.Signal.PongTimeout = 8 * time.Second
	cfg.Signal.WriteTimeout = 5 * time.Second
	cfg.Signal.MessagesPerSecond = 50
	cfg.Signal.Burst = 100

	cfg.Connection.LostTimeout = 10 * time.Second
	cfg.Connection.FailTimeout = 20 * time.Minute
	cfg.Connection.InitialBackoff = 500 * time.Millisecond
	cfg.Connection.MaxBackoff = 30 * time.Second
	cfg.Connection.TokenRenewWindow = 30 * time.Second
	cfg.Connection.TokenWillExpireLead = 30 * time.Second
	cfg.Connection.MaxInitialBitrateKbps = 2000
	cfg.Connection.LeaveTimeout = 3 * time.Second

	cfg.Probe.Timeout = 30 * time.Second

	cfg.Fallback.LossThreshold = 0.15
	cfg.Fallback.MinBandwidthKbps = 150
	cfg.Fallback.DowngradeSamples = 2
	cfg.Fallback.UpgradeSamples = 5

	cfg.Relay.LostTimeout = 10 * time.Second
	cfg.Relay.FailTimeout = 20 * time.Minute
	cfg.Relay.InitialBackoff = 500 * time.Millisecond
	cfg.Relay.MaxBackoff = 30 * time.Second
	cfg.Relay.RequestTimeout = 10 * time.Second

	cfg.Telemetry.Interval = 2 * time.Second
	cfg.Telemetry.VideoFreezeGap = 500 * time.Millisecond
	cfg.Telemetry.AudioFreezeGap = 200 * time.Millisecond
	cfg.Telemetry.MinFreezeFPS = 5
	cfg.Telemetry.CollectTimeout = time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"
	cfg.Monitoring.RequestsPerSecond = 20
	cfg.Monitoring.Burst = 40
	cfg.Monitoring.MaxConcurrent = 64

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "rtcore:events"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rtcore"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RTCORE_APP_ID"); v != "" {
		c.Engine.AppID = v
	}
	if v := os.Getenv("RTCORE_CHANNEL"); v != "" {
		c.Engine.Channel = v
	}
	if v := os.Getenv("RTCORE_TOKEN"); v != "" {
		c.Engine.Token = v
	}
	if v := os.Getenv("RTCORE_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("RTCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RTCORE_ADMIN_TOKEN"); v != "" {
		c.Monitoring.AdminToken = v
	}
	if v := os.Getenv("RTCORE_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
}
