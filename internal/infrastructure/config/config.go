// Package config loads the Swarm Execution Fabric's configuration with the
// teacher's own layered-viper convention: defaults, then a global
// ~/.swarmfabric/config.yaml, then a project-local ./config.yaml, then
// SWARMFABRIC_-prefixed environment variables, each layer overriding the
// last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the Swarm Execution Fabric's complete runtime configuration.
type Config struct {
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Swarm          SwarmConfig          `mapstructure:"swarm"`
	RemoteWorkers  RemoteWorkersConfig  `mapstructure:"remoteWorkers"`
	Relay          RelayEndpointConfig  `mapstructure:"relay"`
	RelaySecondary RelayEndpointConfig  `mapstructure:"relaySecondary"`
	Models         ModelsConfig         `mapstructure:"models"`
	Pricing        map[string]PriceRule `mapstructure:"pricing"`
	Log            LogConfig            `mapstructure:"log"`
}

// GatewayConfig configures the AI Gateway HTTP service (spec §4.2).
type GatewayConfig struct {
	Port          int           `mapstructure:"port"`
	Token         string        `mapstructure:"token"`
	MaxConcurrent int           `mapstructure:"maxConcurrent"`
	QueueCap      int           `mapstructure:"queueCap"`
	CacheTTL      time.Duration `mapstructure:"cacheTTL"`
	CacheCapacity int           `mapstructure:"cacheCapacity"`
	FallbackChain []string      `mapstructure:"fallbackChain"`
	UsageFilePath string        `mapstructure:"usageFilePath"`
}

// SwarmConfig configures the Swarm Executor's run policy (spec §4.7, §5).
type SwarmConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxWorkers    int           `mapstructure:"maxWorkers"`
	Retries       int           `mapstructure:"retries"`
	WorkerTimeout time.Duration `mapstructure:"workerTimeout"`
	MaxTokens     int           `mapstructure:"maxTokens"`
}

// RemoteWorkersConfig configures the Worker Coordinator's websocket server
// (spec §4.3).
type RemoteWorkersConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Port                int           `mapstructure:"port"`
	Secret              string        `mapstructure:"secret"`
	HeartbeatIntervalMs int           `mapstructure:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int           `mapstructure:"heartbeatTimeoutMs"`
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c RemoteWorkersConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns HeartbeatTimeoutMs as a time.Duration.
func (c RemoteWorkersConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// RelayEndpointConfig configures one Relay Client endpoint (spec §4.4).
type RelayEndpointConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// ModelsConfig names which model each component calls through the Gateway.
type ModelsConfig struct {
	Chat      string `mapstructure:"chat"`
	Decompose string `mapstructure:"decompose"`
	Worker    string `mapstructure:"worker"`
	Aggregate string `mapstructure:"aggregate"`
	Simple    string `mapstructure:"simple"`
}

// PriceRule is one model's per-million-token pricing, mirroring
// gateway.ModelPricing's shape so it can be mapstructure-decoded directly.
type PriceRule struct {
	Input      float64 `mapstructure:"input"`
	Output     float64 `mapstructure:"output"`
	CacheRead  float64 `mapstructure:"cacheRead"`
	CacheWrite float64 `mapstructure:"cacheWrite"`
}

// LogConfig configures the zap logger (spec §10 ambient stack).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load builds a Config from defaults, the global config file, the
// project-local config file, and environment variables, in that priority
// order (later layers override earlier ones).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".swarmfabric")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, dir := range []string{".", "./config"} {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		local := viper.New()
		local.SetConfigFile(path)
		if err := local.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(local.AllSettings())
		}
		break
	}

	v.SetEnvPrefix("SWARMFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.port", 8787)
	v.SetDefault("gateway.maxConcurrent", 8)
	v.SetDefault("gateway.queueCap", 64)
	v.SetDefault("gateway.cacheTTL", "10m")
	v.SetDefault("gateway.cacheCapacity", 500)
	v.SetDefault("gateway.fallbackChain", []string{})
	v.SetDefault("gateway.usageFilePath", filepath.Join(os.Getenv("HOME"), ".swarmfabric", "usage.json"))

	v.SetDefault("swarm.concurrency", 4)
	v.SetDefault("swarm.maxWorkers", 16)
	v.SetDefault("swarm.retries", 2)
	v.SetDefault("swarm.workerTimeout", "90s")
	v.SetDefault("swarm.maxTokens", 4096)

	v.SetDefault("remoteWorkers.enabled", false)
	v.SetDefault("remoteWorkers.port", 8788)
	v.SetDefault("remoteWorkers.heartbeatIntervalMs", 10000)
	v.SetDefault("remoteWorkers.heartbeatTimeoutMs", 30000)

	v.SetDefault("models.chat", "claude-sonnet-4-5")
	v.SetDefault("models.decompose", "claude-sonnet-4-5")
	v.SetDefault("models.worker", "claude-sonnet-4-5")
	v.SetDefault("models.aggregate", "claude-sonnet-4-5")
	v.SetDefault("models.simple", "claude-haiku-4-5")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.outputPath", "stdout")
}
