package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentmesh/mcp-gateway/internal/config"
	"github.com/agentmesh/mcp-gateway/internal/handlers"
	"github.com/agentmesh/mcp-gateway/internal/logging"
	"github.com/agentmesh/mcp-gateway/internal/server"
	"github.com/agentmesh/mcp-gateway/internal/storage"
	"github.com/agentmesh/mcp-gateway/internal/subserver"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const sweepInterval = time.Minute

var rootCmd = &cobra.Command{
	Use:     "mcp-gateway",
	Short:   "Multi-tenant MCP request gateway over stdio",
	Long:    `mcp-gateway is a multi-tenant JSON-RPC 2.0 (MCP) request router: per-tenant sessions and rate limits, permission-gated built-in tools, and supervised child MCP servers.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcp-gateway %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runGateway() error {
	cfg := config.Load()

	// Stdout carries protocol bytes; all diagnostics go to stderr.
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "mcp-gateway",
	})

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Bool("auto_register", cfg.AutoRegister).
		Str("region", cfg.Region).
		Msg("Starting MCP gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	manager := tenant.NewManager(tenant.ManagerOptions{
		AutoRegister: cfg.AutoRegister,
		DevMode:      cfg.DevMode,
		Region:       cfg.Region,
	})
	manager.StartSweeper(ctx, sweepInterval)

	runtime, err := subserver.NewDockerRuntime()
	if err != nil {
		// Container deployments stay unavailable; process and remote
		// sub-servers still work.
		log.Warn().Err(err).Msg("Docker unavailable; container sub-servers disabled")
		runtime = nil
	}
	supervisor := buildSupervisor(backend, runtime)
	supervisor.StartHealthLoop(ctx)

	registry := handlers.NewRegistry()
	handlers.RegisterBuiltin(registry, backend)
	handlers.RegisterIntegrations(registry, backend, supervisor)
	handlers.RegisterProxy(registry, supervisor)

	srv := server.New(server.Options{
		Manager:         manager,
		Registry:        registry,
		Supervisor:      supervisor,
		DefaultTenantID: cfg.DefaultTenantID,
		DefaultUserID:   cfg.DefaultUserID,
		In:              os.Stdin,
		Out:             os.Stdout,
	})

	return srv.Run(ctx)
}

// buildBackend selects Redis when configured, the in-memory backend
// otherwise.
func buildBackend(ctx context.Context, cfg config.Config) (storage.Backend, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("Using in-memory storage backend")
		return storage.NewMemory(), func() {}, nil
	}

	redis, err := storage.NewRedis(ctx, storage.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis backend: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis storage backend")
	return redis, func() {
		if err := redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}, nil
}

func buildSupervisor(backend storage.Backend, runtime *subserver.DockerRuntime) *subserver.Supervisor {
	if runtime == nil {
		return subserver.NewSupervisor(backend, nil)
	}
	return subserver.NewSupervisor(backend, runtime)
}
