package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval       time.Duration `yaml:"ping_interval"`
		PongTimeout        time.Duration `yaml:"pong_timeout"`
		WriteTimeout       time.Duration `yaml:"write_timeout"`
		MaxMessageBytes    int64         `yaml:"max_message_bytes"`
		MessagesPerSecond  float64       `yaml:"messages_per_second"`
		MessageBurst       int           `yaml:"message_burst"`
		SessionTTL         time.Duration `yaml:"session_ttl"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
	} `yaml:"signal"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	TURN struct {
		Secret       string        `yaml:"secret"`
		URLs         []string      `yaml:"urls"`
		STUNURLs     []string      `yaml:"stun_urls"`
		DefaultTTL   time.Duration `yaml:"default_ttl"`
		EndpointCache time.Duration `yaml:"endpoint_cache"`
	} `yaml:"turn"`

	Security struct {
		FailOpen bool `yaml:"fail_open"`

		CredentialRateLimit  int64         `yaml:"credential_rate_limit"`
		CredentialRateWindow time.Duration `yaml:"credential_rate_window"`
		CredentialIPFactor   int64         `yaml:"credential_ip_factor"`

		ConnectionRateLimit  int64         `yaml:"connection_rate_limit"`
		ConnectionRateWindow time.Duration `yaml:"connection_rate_window"`
		ConnectionIPFactor   int64         `yaml:"connection_ip_factor"`

		HostBandwidthQuota  int64         `yaml:"host_bandwidth_quota"`
		GuestBandwidthQuota int64         `yaml:"guest_bandwidth_quota"`
		BandwidthWindow     time.Duration `yaml:"bandwidth_window"`

		MaxSessionsPerUser int64         `yaml:"max_sessions_per_user"`
		SessionCountTTL    time.Duration `yaml:"session_count_ttl"`

		RestrictIPs        bool     `yaml:"restrict_ips"`
		AllowedCIDRs       []string `yaml:"allowed_cidrs"`
		BlockedIPs         []string `yaml:"blocked_ips"`
		MaxConnectionsPerIP int     `yaml:"max_connections_per_ip"`

		ViolationTTL      time.Duration `yaml:"violation_ttl"`
		AutoBlockDuration time.Duration `yaml:"auto_block_duration"`
	} `yaml:"security"`

	Recovery struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		InitialDelay      time.Duration `yaml:"initial_delay"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		Multiplier        float64       `yaml:"multiplier"`
		NetworkDelayFloor time.Duration `yaml:"network_delay_floor"`
		RestartTimeout    time.Duration `yaml:"restart_timeout"`
		EnableSTUNFallback bool         `yaml:"enable_stun_fallback"`
	} `yaml:"recovery"`

	Quality struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		// Tier ceilings; anything beyond "fair" is poor.
		ExcellentRTT  time.Duration `yaml:"excellent_rtt"`
		ExcellentLoss float64       `yaml:"excellent_loss"`
		GoodRTT       time.Duration `yaml:"good_rtt"`
		GoodLoss      float64       `yaml:"good_loss"`
		FairRTT       time.Duration `yaml:"fair_rtt"`
		FairLoss      float64       `yaml:"fair_loss"`
		HighLatency   time.Duration `yaml:"high_latency_warning"`
		PacketLossWarn float64      `yaml:"packet_loss_warning"`
		// MediaIngest accepts mirrored RTP/RTCP packets on media-status
		// messages; only useful when a relay co-located with this node
		// forwards media traffic.
		MediaIngest bool `yaml:"media_ingest"`
	} `yaml:"quality"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// RoomLocks serializes session writes per room across instances.
		RoomLocks bool `yaml:"room_locks"`
	} `yaml:"redis"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		JaegerURL   string `yaml:"jaeger_url"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.MessagesPerSecond <= 0 || c.Signal.MessageBurst <= 0 {
		return fmt.Errorf("signal message rate limits must be > 0")
	}
	if c.Signal.SessionTTL <= 0 {
		return fmt.Errorf("signal.session_ttl must be > 0")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if len(c.TURN.Secret) < 32 {
		return fmt.Errorf("turn.secret must be at least 32 bytes")
	}
	if c.TURN.DefaultTTL < time.Second || c.TURN.DefaultTTL > 12*time.Hour {
		return fmt.Errorf("turn.default_ttl must be within [1s, 12h]")
	}
	if c.Security.CredentialRateLimit <= 0 || c.Security.ConnectionRateLimit <= 0 {
		return fmt.Errorf("security rate limits must be > 0")
	}
	if c.Security.CredentialRateWindow <= 0 || c.Security.ConnectionRateWindow <= 0 {
		return fmt.Errorf("security rate windows must be > 0")
	}
	if c.Security.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("security.max_sessions_per_user must be > 0")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be > 0")
	}
	if c.Recovery.InitialDelay <= 0 || c.Recovery.MaxDelay < c.Recovery.InitialDelay {
		return fmt.Errorf("recovery delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Recovery.Multiplier < 1 {
		return fmt.Errorf("recovery.multiplier must be >= 1")
	}
	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}
	if c.Quality.ExcellentRTT >= c.Quality.GoodRTT || c.Quality.GoodRTT >= c.Quality.FairRTT {
		return fmt.Errorf("quality tier RTT ceilings must be strictly increasing")
	}
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields defaults plus overrides.
func Load(configPath string) (*Config, error) {
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageBytes = 64 * 1024
	cfg.Signal.MessagesPerSecond = 20
	cfg.Signal.MessageBurst = 40
	cfg.Signal.SessionTTL = time.Hour
	cfg.Signal.SweepInterval = 5 * time.Minute

	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.TURN.Secret = "change-me-change-me-change-me-00"
	cfg.TURN.URLs = []string{"turn:localhost:3478"}
	cfg.TURN.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	cfg.TURN.DefaultTTL = 10 * time.Minute
	cfg.TURN.EndpointCache = 8 * time.Minute

	cfg.Security.FailOpen = true
	cfg.Security.CredentialRateLimit = 10
	cfg.Security.CredentialRateWindow = time.Minute
	cfg.Security.CredentialIPFactor = 3
	cfg.Security.ConnectionRateLimit = 20
	cfg.Security.ConnectionRateWindow = 5 * time.Minute
	cfg.Security.ConnectionIPFactor = 5
	cfg.Security.HostBandwidthQuota = 10 << 30
	cfg.Security.GuestBandwidthQuota = 2 << 30
	cfg.Security.BandwidthWindow = 24 * time.Hour
	cfg.Security.MaxSessionsPerUser = 3
	cfg.Security.SessionCountTTL = 12 * time.Hour
	cfg.Security.RestrictIPs = false
	cfg.Security.MaxConnectionsPerIP = 20
	cfg.Security.ViolationTTL = 7 * 24 * time.Hour
	cfg.Security.AutoBlockDuration = time.Hour

	cfg.Recovery.MaxAttempts = 5
	cfg.Recovery.InitialDelay = time.Second
	cfg.Recovery.MaxDelay = 30 * time.Second
	cfg.Recovery.Multiplier = 2.0
	cfg.Recovery.NetworkDelayFloor = 5 * time.Second
	cfg.Recovery.RestartTimeout = 10 * time.Second
	cfg.Recovery.EnableSTUNFallback = true

	cfg.Quality.SampleInterval = 5 * time.Second
	cfg.Quality.ExcellentRTT = 100 * time.Millisecond
	cfg.Quality.ExcellentLoss = 0.01
	cfg.Quality.GoodRTT = 250 * time.Millisecond
	cfg.Quality.GoodLoss = 0.03
	cfg.Quality.FairRTT = 400 * time.Millisecond
	cfg.Quality.FairLoss = 0.08
	cfg.Quality.HighLatency = 500 * time.Millisecond
	cfg.Quality.PacketLossWarn = 0.05

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.RoomLocks = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "roomlink-signal"

	cfg.Monitoring.PrometheusEnabled = true

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ROOMLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("ROOMLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("ROOMLINK_TURN_SECRET"); secret != "" {
		c.TURN.Secret = secret
	}
	if addr := os.Getenv("ROOMLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
