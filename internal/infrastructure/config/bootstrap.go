package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "swarmfabric"

// HomeDir returns ~/.swarmfabric, the fabric's configuration home.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.swarmfabric exists with a default config.yaml; it
// does not create usage.json, which the Gateway's UsageCounter writes on its
// first persist. Safe to call on every
// startup — it never overwrites a file that already exists.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", root, err)
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
			logger.Warn("failed to write default config", zap.String("path", configPath), zap.Error(err))
		} else {
			logger.Info("wrote default config", zap.String("path", configPath))
		}
	}

	return nil
}

const defaultConfig = `# swarmfabric configuration — auto-generated on first launch, edit freely.

gateway:
  port: 8787
  token: ""                 # empty disables auth for non-loopback callers too
  maxConcurrent: 8
  queueCap: 64
  cacheTTL: 10m
  cacheCapacity: 500
  fallbackChain: []          # e.g. ["claude-sonnet-4-5", "claude-haiku-4-5"]

swarm:
  concurrency: 4
  maxWorkers: 16
  retries: 2
  workerTimeout: 90s
  maxTokens: 4096

remoteWorkers:
  enabled: false
  port: 8788
  secret: ""
  heartbeatIntervalMs: 10000
  heartbeatTimeoutMs: 30000

relay:
  url: ""
  secret: ""

relaySecondary:
  url: ""
  secret: ""

models:
  chat: claude-sonnet-4-5
  decompose: claude-sonnet-4-5
  worker: claude-sonnet-4-5
  aggregate: claude-sonnet-4-5
  simple: claude-haiku-4-5

pricing: {}

log:
  level: info
  format: json
  outputPath: stdout
`
