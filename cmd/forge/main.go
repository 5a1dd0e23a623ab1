// Command forge runs the task-attempt orchestrator: the HTTP gateway (REST +
// event stream + MCP surface), the worktree/timeout scheduler, or one-shot
// maintenance operations, depending on the subcommand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/forge/internal/attempt"
	"github.com/alekspetrov/forge/internal/auth"
	"github.com/alekspetrov/forge/internal/bus"
	"github.com/alekspetrov/forge/internal/config"
	"github.com/alekspetrov/forge/internal/gateway"
	"github.com/alekspetrov/forge/internal/logging"
	"github.com/alekspetrov/forge/internal/mcp"
	"github.com/alekspetrov/forge/internal/scheduler"
	"github.com/alekspetrov/forge/internal/store"
	"github.com/alekspetrov/forge/internal/worktree"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	cfgFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Orchestrates AI coding agent task attempts",
		Long:  `forge receives tasks, spawns an agent per attempt in an isolated git worktree, and streams its output back over the API.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.forge/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forge %s\n", version)
			if buildTime != "unknown" {
				fmt.Printf("built: %s\n", buildTime)
			}
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// store.Open runs migrations as part of opening the database;
			// there is no separate migration step to invoke.
			st, err := store.Open(cfg.Store.Path, cfg.Store.Driver)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			fmt.Println("migrations up to date")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one worktree sweep pass across all configured projects and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			st, err := store.Open(cfg.Store.Path, cfg.Store.Driver)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			wt := worktree.New(worktree.Config{
				WorkspaceRoot: cfg.WorkspaceRoot,
				SweepInterval: cfg.Worktree.SweepInterval,
				OrphanGrace:   cfg.Worktree.OrphanGrace,
				DisableSweep:  cfg.Worktree.DisableSweep,
			}, st)

			ctx := cmd.Context()
			total := 0
			for _, p := range cfg.Projects {
				n, err := wt.Sweep(ctx, p.Path)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", p.Name, err)
				}
				total += n
			}
			fmt.Printf("swept %d worktrees across %d projects\n", total, len(cfg.Projects))
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway, MCP surface, and background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			for _, w := range cfg.CheckDeprecations() {
				logging.Warn(w)
			}

			st, err := store.Open(cfg.Store.Path, cfg.Store.Driver)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			eventBus := bus.New(bus.Config{})
			wt := worktree.New(worktree.Config{
				WorkspaceRoot: cfg.WorkspaceRoot,
				SweepInterval: cfg.Worktree.SweepInterval,
				OrphanGrace:   cfg.Worktree.OrphanGrace,
				DisableSweep:  cfg.Worktree.DisableSweep,
			}, st)

			executor := attempt.New(st, wt, nil, eventBus, attempt.Config{
				GraceKill: cfg.Worktree.GraceKill,
			})

			gate := auth.New(st, cfg.AuthTokenSecret, cfg.RateLimit)
			surface := mcp.New(st, gate)
			srv := gateway.New(gateway.Config{Host: cfg.BindHost, Port: cfg.APIPort, MCPPort: cfg.MCPPort}, st, gate, eventBus, surface)

			var projects []scheduler.Project
			for _, p := range cfg.Projects {
				projects = append(projects, scheduler.Project{ID: p.Name, RepoPath: p.Path})
			}
			sched := scheduler.New(scheduler.Config{
				SweepInterval:  cfg.Worktree.SweepInterval,
				AttemptTimeout: cfg.Executor.AttemptTimeout,
			}, wt, executor, st, projects)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer sched.Stop()

			logging.Info("forge serving", "bind_host", cfg.BindHost, "api_port", cfg.APIPort, "mcp_port", cfg.MCPPort)
			return srv.Start(ctx, executor)
		},
	}
}
