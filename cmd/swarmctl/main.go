// Command swarmctl is the fabric's command-line entrypoint: decompose,
// allocate, and execute a task without a running gateway process, or start
// the gateway/coordinator services standalone. Grounded on the teacher's
// cmd/cli, repurposed from an interactive TUI shell to a scriptable
// one-shot runner (the TUI itself is out of scope).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/swarmfabric/internal/coordinator"
	"github.com/ngoclaw/swarmfabric/internal/decompose"
	"github.com/ngoclaw/swarmfabric/internal/domain/tool"
	"github.com/ngoclaw/swarmfabric/internal/events"
	"github.com/ngoclaw/swarmfabric/internal/gateway"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/config"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/llm/anthropic"
	"github.com/ngoclaw/swarmfabric/internal/infrastructure/logger"
	"github.com/ngoclaw/swarmfabric/internal/relay"
	"github.com/ngoclaw/swarmfabric/internal/roster"
	"github.com/ngoclaw/swarmfabric/internal/swarmexec"
)

func main() {
	root := &cobra.Command{
		Use:   "swarmctl",
		Short: "Drive the swarm execution fabric from the command line",
	}
	root.AddCommand(
		newDecomposeCmd(),
		newRunCmd(),
		newGatewayCmd(),
		newCoordinatorCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	return logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stdout"})
}

func buildStack(log *zap.Logger, cfg *config.Config) (*swarmexec.Executor, func()) {
	adapter := anthropic.New(anthropic.Config{Credential: os.Getenv("ANTHROPIC_API_KEY")}, log)
	gw := gateway.New(gateway.Config{
		MaxConcurrent: int64(cfg.Gateway.MaxConcurrent),
		QueueCap:      int64(cfg.Gateway.QueueCap),
		CacheTTL:      cfg.Gateway.CacheTTL,
		CacheCapacity: cfg.Gateway.CacheCapacity,
		FallbackChain: cfg.Gateway.FallbackChain,
		UsageFilePath: cfg.Gateway.UsageFilePath,
	}, adapter, log)

	ros := roster.New()
	decomposer := decompose.NewDecomposer(gw, cfg.Models.Decompose)
	aggregator := decompose.NewAggregator(gw, cfg.Models.Aggregate)
	tools := tool.NewInMemoryRegistry()

	var relayPool *relay.Pool
	if cfg.Relay.URL != "" {
		relayCfg := relay.Config{Primary: &relay.Endpoint{URL: cfg.Relay.URL, Secret: cfg.Relay.Secret}}
		if cfg.RelaySecondary.URL != "" {
			relayCfg.Secondary = &relay.Endpoint{URL: cfg.RelaySecondary.URL, Secret: cfg.RelaySecondary.Secret}
		}
		relayPool = relay.NewPool(relayCfg, relay.New(), log)
	}

	var coord *coordinator.Coordinator
	if cfg.RemoteWorkers.Enabled {
		coord = coordinator.New(coordinator.Config{
			Port:              cfg.RemoteWorkers.Port,
			Secret:            cfg.RemoteWorkers.Secret,
			HeartbeatInterval: cfg.RemoteWorkers.HeartbeatInterval(),
			HeartbeatTimeout:  cfg.RemoteWorkers.HeartbeatTimeout(),
		}, log)
		go coord.Run()
	}

	bus := events.NewBus(64)
	exec := swarmexec.New(swarmexec.Config{
		WorkerModel:    cfg.Models.Worker,
		APIConcurrency: cfg.Swarm.Concurrency,
		MaxWorkers:     cfg.Swarm.MaxWorkers,
		Retries:        cfg.Swarm.Retries,
		WorkerTimeout:  cfg.Swarm.WorkerTimeout,
		MaxTokens:      cfg.Swarm.MaxTokens,
	}, ros, decomposer, aggregator, gw, coord, relayPool, tools, bus)

	stop := func() {
		if coord != nil {
			coord.Stop()
		}
	}
	return exec, stop
}

func newDecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <task>",
		Short: "Decompose a task into role allocations without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			adapter := anthropic.New(anthropic.Config{Credential: os.Getenv("ANTHROPIC_API_KEY")}, log)
			gw := gateway.New(gateway.Config{MaxConcurrent: 4, QueueCap: 16, UsageFilePath: cfg.Gateway.UsageFilePath}, adapter, log)
			decomposer := decompose.NewDecomposer(gw, cfg.Models.Decompose)
			ros := roster.New()

			task := strings.Join(args, " ")
			subtasks := decomposer.Decompose(cmd.Context(), task)
			allocations := ros.AllocateTasks(subtasks)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(allocations)
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Decompose, allocate, and execute a task end to end",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			exec, stop := buildStack(log, cfg)
			defer stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			output, err := exec.Execute(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(output.Result)
			fmt.Fprintf(os.Stderr, "\n--- stats: completed=%d failed=%d killed=%d remote=%d elapsed=%s ---\n",
				output.Stats.Completed, output.Stats.Failed, output.Stats.Killed,
				output.Stats.RemoteWorkers, output.Stats.TotalTime)
			return nil
		},
	}
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the AI Gateway HTTP service standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			adapter := anthropic.New(anthropic.Config{Credential: os.Getenv("ANTHROPIC_API_KEY")}, log)
			gw := gateway.New(gateway.Config{
				Port:          cfg.Gateway.Port,
				Token:         cfg.Gateway.Token,
				MaxConcurrent: int64(cfg.Gateway.MaxConcurrent),
				QueueCap:      int64(cfg.Gateway.QueueCap),
				CacheTTL:      cfg.Gateway.CacheTTL,
				CacheCapacity: cfg.Gateway.CacheCapacity,
				FallbackChain: cfg.Gateway.FallbackChain,
				UsageFilePath: cfg.Gateway.UsageFilePath,
			}, adapter, log)
			srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Gateway.Port), Handler: gw.Router()}
			log.Info("gateway listening", zap.Int("port", cfg.Gateway.Port))
			return srv.ListenAndServe()
		},
	}
}

func newCoordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Start the Worker Coordinator's websocket service standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			coord := coordinator.New(coordinator.Config{
				Port:              cfg.RemoteWorkers.Port,
				Secret:            cfg.RemoteWorkers.Secret,
				HeartbeatInterval: cfg.RemoteWorkers.HeartbeatInterval(),
				HeartbeatTimeout:  cfg.RemoteWorkers.HeartbeatTimeout(),
			}, log)
			go coord.Run()

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", coord.ServeWS)
			mux.HandleFunc("/health", coord.HealthHandler)
			log.Info("coordinator listening", zap.Int("port", cfg.RemoteWorkers.Port))
			return http.ListenAndServe(fmt.Sprintf(":%d", cfg.RemoteWorkers.Port), mux)
		},
	}
}
