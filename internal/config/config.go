package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/shardproxy/internal/cache"
)

// Config holds proxy configuration values.
type Config struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	Addr      string `mapstructure:"addr" yaml:"addr"`

	Token   string `mapstructure:"token" yaml:"token"`
	Intents uint64 `mapstructure:"intents" yaml:"intents"`
	// Shards is the deployment-wide shard count; 0 uses the recommended count.
	Shards     int `mapstructure:"shards" yaml:"shards"`
	ShardStart int `mapstructure:"shard_start" yaml:"shard_start"`
	// ShardEnd is inclusive; -1 means the last shard.
	ShardEnd       int    `mapstructure:"shard_end" yaml:"shard_end"`
	LargeThreshold int    `mapstructure:"large_threshold" yaml:"large_threshold"`
	ExternalURL    string `mapstructure:"externally_accessible_url" yaml:"externally_accessible_url"`
	APIBase        string `mapstructure:"api_base" yaml:"api_base"`
	// GatewayURL skips the lookup when set, together with Shards.
	GatewayURL string `mapstructure:"gateway_url" yaml:"gateway_url"`

	Backpressure      int           `mapstructure:"backpressure" yaml:"backpressure"`
	ValidateToken     bool          `mapstructure:"validate_token" yaml:"validate_token"`
	HeartbeatInterval int           `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ResumeGrace       time.Duration `mapstructure:"resume_grace" yaml:"resume_grace"`
	ResumeOnStart     bool          `mapstructure:"resume_on_start" yaml:"resume_on_start"`

	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Cache cache.Flags `mapstructure:"cache" yaml:"cache"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "console",
		Addr:              ":7878",
		Intents:           32767,
		ShardEnd:          -1,
		APIBase:           "https://discord.com/api/v10",
		Backpressure:      100,
		ValidateToken:     true,
		HeartbeatInterval: 41250,
		ResumeGrace:       2 * time.Minute,
		DatabasePath:      "shardproxy.db",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Cache:             cache.DefaultFlags(),
	}
}

// Validate rejects configurations the proxy cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.Shards < 0 {
		errs = append(errs, fmt.Errorf("shards must not be negative, got %d", c.Shards))
	}
	if c.ShardStart < 0 {
		errs = append(errs, fmt.Errorf("shard_start must not be negative, got %d", c.ShardStart))
	}
	if c.ShardEnd >= 0 && c.ShardEnd < c.ShardStart {
		errs = append(errs, fmt.Errorf("shard_end %d is before shard_start %d", c.ShardEnd, c.ShardStart))
	}
	if c.Shards > 0 && c.ShardEnd >= c.Shards {
		errs = append(errs, fmt.Errorf("shard_end %d is outside %d shards", c.ShardEnd, c.Shards))
	}
	if c.Shards > 0 && c.ShardStart >= c.Shards {
		errs = append(errs, fmt.Errorf("shard_start %d is outside %d shards", c.ShardStart, c.Shards))
	}
	if c.GatewayURL != "" && c.Shards == 0 {
		errs = append(errs, errors.New("gateway_url needs an explicit shard count"))
	}
	if c.Backpressure < 1 {
		errs = append(errs, errors.New("backpressure must be positive"))
	}
	if c.HeartbeatInterval < 1 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	return errors.Join(errs...)
}

// ShardRange resolves the hosted shard ids against the total count.
func (c Config) ShardRange(total int) (first, last int) {
	last = c.ShardEnd
	if last < 0 || last >= total {
		last = total - 1
	}
	return c.ShardStart, last
}
