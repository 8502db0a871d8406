// Command gateway runs the AI Gateway's HTTP front end alongside the Worker
// Coordinator's websocket server, the two long-running services of the
// Swarm Execution Fabric (spec §4.2, §4.3). One-shot task execution lives
// in cmd/swarmctl instead.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/swarmfabric/internal/coordinator"
	"github.com/ngoclaw/swarmfabric/internal/gateway"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/config"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/llm/anthropic"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/logger"
)

const appVersion = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("swarmfabric-gateway v%s\n", appVersion)
			return
		case "help", "--help", "-h":
			fmt.Println("Usage: gateway   (starts the AI Gateway and Worker Coordinator)")
			return
		}
	}

	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := config.Bootstrap(log); err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	log.Info("starting swarmfabric gateway", zap.String("version", appVersion))

	adapter := anthropic.New(anthropic.Config{
		Credential: os.Getenv("ANTHROPIC_API_KEY"),
	}, log)

	gw := gateway.New(gateway.Config{
		Port:          cfg.Gateway.Port,
		Token:         cfg.Gateway.Token,
		MaxConcurrent: int64(cfg.Gateway.MaxConcurrent),
		QueueCap:      int64(cfg.Gateway.QueueCap),
		CacheTTL:      cfg.Gateway.CacheTTL,
		CacheCapacity: cfg.Gateway.CacheCapacity,
		FallbackChain: cfg.Gateway.FallbackChain,
		Pricing:       toPricingMap(cfg.Pricing),
		UsageFilePath: cfg.Gateway.UsageFilePath,
	}, adapter, log)
	gwServer := gateway.NewServer(gw, log)
	gwServer.Start()

	var coord *coordinator.Coordinator
	var coordServer *http.Server
	if cfg.RemoteWorkers.Enabled {
		coord = coordinator.New(coordinator.Config{
			Port:              cfg.RemoteWorkers.Port,
			Secret:            cfg.RemoteWorkers.Secret,
			HeartbeatInterval: cfg.RemoteWorkers.HeartbeatInterval(),
			HeartbeatTimeout:  cfg.RemoteWorkers.HeartbeatTimeout(),
		}, log)
		go coord.Run()

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", coord.ServeWS)
		mux.HandleFunc("/health", coord.HealthHandler)
		coordServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.RemoteWorkers.Port), Handler: mux}
		go func() {
			log.Info("starting worker coordinator", zap.Int("port", cfg.RemoteWorkers.Port))
			if err := coordServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("coordinator server error", zap.Error(err))
			}
		}()
	}

	watcher, err := config.NewWatcher(cfg, log)
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(configPathHint()); err != nil {
		log.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gwServer.Stop(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	}
	if coord != nil {
		coord.Stop()
	}
	if coordServer != nil {
		_ = coordServer.Shutdown(shutdownCtx)
	}
	log.Info("swarmfabric gateway stopped")
}

func toPricingMap(in map[string]config.PriceRule) map[string]gateway.ModelPricing {
	out := make(map[string]gateway.ModelPricing, len(in))
	for model, rule := range in {
		out[model] = gateway.ModelPricing{
			Input:      rule.Input,
			Output:     rule.Output,
			CacheRead:  rule.CacheRead,
			CacheWrite: rule.CacheWrite,
		}
	}
	return out
}

// configPathHint names the project-local config file the watcher follows,
// matching Load's own local-config search order.
func configPathHint() string {
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml"
	}
	return "./config/config.yaml"
}
