// Command executor is the ZephyrOS agent worker: it leases tasks from the
// orchestrator and executes them through the model API or a supervised
// external CLI tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zephyros/executor/internal/auth"
	"github.com/zephyros/executor/internal/backend"
	apibackend "github.com/zephyros/executor/internal/backend/api"
	procbackend "github.com/zephyros/executor/internal/backend/proc"
	"github.com/zephyros/executor/internal/common/config"
	"github.com/zephyros/executor/internal/common/logger"
	"github.com/zephyros/executor/internal/executor"
	"github.com/zephyros/executor/internal/monitor"
	"github.com/zephyros/executor/internal/orchestrator"
	"github.com/zephyros/executor/internal/session"
	"github.com/zephyros/executor/internal/workspace"
)

const statsInterval = 30 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "executor",
		Short: "ZephyrOS agent worker",
		Long:  "Leases tasks from the ZephyrOS orchestrator and executes them through the model API or an external CLI tool.",
		RunE:  runExecutor,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	root.AddCommand(loginCmd(), logoutCmd(), whoamiCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func bootstrap() (*config.Config, *logger.Logger, *auth.TokenStore, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	identity := auth.NewIdentityClient(cfg.Identity.URL, cfg.Identity.AnonKey, log)
	tokens, err := auth.NewTokenStore(identity, "", log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, tokens, nil
}

func runExecutor(cmd *cobra.Command, _ []string) error {
	cfg, log, tokens, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	client := orchestrator.NewClient(cfg.Orchestrator.URL, tokens, log)

	backends, err := buildBackends(cfg, log)
	if err != nil {
		return err
	}

	exec, err := executor.New(cfg, client, backends, log)
	if err != nil {
		return err
	}

	printBanner(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := exec.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			color.Yellow("\nReceived %s, shutting down...", sig)
			exec.Stop()
			printStats(exec.StatsSnapshot())
			return nil
		case <-ticker.C:
			printStats(exec.StatsSnapshot())
		}
	}
}

// buildBackends constructs every back-end the configuration enables. The
// process back-end is only assembled when a tool path is configured.
func buildBackends(cfg *config.Config, log *logger.Logger) ([]backend.Backend, error) {
	var backends []backend.Backend

	if cfg.Model.APIKey != "" {
		backends = append(backends, apibackend.NewFromAPIKey(
			cfg.Model.APIKey, cfg.Model.Name, cfg.Model.MaxTokensPerRequest, log))
	}

	if cfg.Agent.ExternalToolPath != "" {
		ws, err := workspace.NewManager(cfg.Workspace.Base, workspace.Settings{
			Model:     cfg.Model.Name,
			MaxTokens: cfg.Model.MaxTokensPerRequest,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.Workspace.MaxAgeH > 0 {
			ws.ReapOlderThan(time.Duration(cfg.Workspace.MaxAgeH) * time.Hour)
		}
		sessions := session.NewManager(cfg.Agent.ExternalToolPath,
			config.WindowMode(cfg.Agent.WindowMode), log)
		mon := monitor.New(log)
		backends = append(backends, procbackend.New(ws, sessions, mon,
			cfg.Agent.ExternalToolPath, cfg.Agent.TaskTimeout(), cfg.Workspace.AutoCleanup, log))
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no back-ends configured: set model.api_key or agent.external_tool_path")
	}
	return backends, nil
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("╔════════════════════════════════════╗")
	cyan.Println("║       ZephyrOS Executor            ║")
	cyan.Println("╚════════════════════════════════════╝")
	fmt.Printf("  Agent:        %s\n", cfg.Agent.Name)
	fmt.Printf("  Mode:         %s\n", cfg.Agent.ExecutionMode)
	fmt.Printf("  Model:        %s\n", cfg.Model.Name)
	fmt.Printf("  Concurrency:  %d\n", cfg.Agent.MaxConcurrentTasks)
	fmt.Printf("  Poll every:   %s\n", cfg.Agent.PollInterval())
	fmt.Printf("  Orchestrator: %s\n", cfg.Orchestrator.URL)
	fmt.Println()
}

func printStats(s executor.Snapshot) {
	color.Green("── stats ── processed: %d  completed: %d  failed: %d  success: %.1f%%  tokens: %d",
		s.Total, s.Completed, s.Failed, s.SuccessRate(), s.TotalTokens)
}

func loginCmd() *cobra.Command {
	var accessToken, refreshToken string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if accessToken == "" {
				return fmt.Errorf("--token is required")
			}
			_, log, tokens, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := tokens.LoginWithToken(cmd.Context(), accessToken, refreshToken); err != nil {
				return err
			}
			color.Green("Logged in.")
			return nil
		},
	}
	cmd.Flags().StringVar(&accessToken, "token", "", "access token")
	cmd.Flags().StringVar(&refreshToken, "refresh", "", "refresh token (optional)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the cached session",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, log, tokens, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			tokens.Logout()
			color.Green("Logged out.")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, tokens, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			info, err := tokens.WhoAmI(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("User ID: %s\n", info.ID)
			if info.Email != "" {
				fmt.Printf("Email:   %s\n", info.Email)
			}
			return nil
		},
	}
}
