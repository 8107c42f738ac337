package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andywolf/agentium-supervisor/internal/broker"
	"github.com/andywolf/agentium-supervisor/internal/claim"
	agentconfig "github.com/andywolf/agentium-supervisor/internal/config"
	"github.com/andywolf/agentium-supervisor/internal/gitadapter"
	"github.com/andywolf/agentium-supervisor/internal/ipc"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	"github.com/andywolf/agentium-supervisor/internal/logging"
	"github.com/andywolf/agentium-supervisor/internal/orchestrator"
	"github.com/andywolf/agentium-supervisor/internal/permission"
	"github.com/andywolf/agentium-supervisor/internal/snapshot"
	"github.com/andywolf/agentium-supervisor/internal/supervisor"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon, serving the IPC socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires every C1-C10 component and blocks until SIGINT/SIGTERM,
// following the same load-config/build-component/context-cancel-on-signal
// shape as the teacher's cmd/controller/main.go.
func runServe() error {
	cfg, err := agentconfig.Load()
	if err != nil {
		return fmt.Errorf("serve: loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("serve: invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("serve: creating runtime dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("serve: creating socket dir: %w", err)
	}

	logger := logging.New(os.Stdout, "[agentiumd] ")

	store, err := snapshot.Open(filepath.Join(cfg.RuntimeDir, "agents.json"))
	if err != nil {
		return fmt.Errorf("serve: opening snapshot store: %w", err)
	}

	claims := claim.New()
	brk := broker.New(policyDecider(cfg))
	git := gitadapter.New()

	sup := supervisor.New(claims, brk, git, store, newIDGenerator(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	projectConfigs := make(map[string]agentconfig.ProjectConfig, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		projectConfigs[pc.Name] = pc
	}

	builder := func(spec supervisor.ProjectSpec) (issuebackend.Backend, orchestrator.SpecFactory, error) {
		pc, ok := projectConfigs[spec.Name]
		if !ok {
			pc = defaultProjectConfig(spec)
		}
		backend, err := buildIssueBackend(pc)
		if err != nil {
			return nil, nil, err
		}
		return backend, buildSpecFactory(pc), nil
	}

	for _, pc := range cfg.Projects {
		backend, err := buildIssueBackend(pc)
		if err != nil {
			return fmt.Errorf("serve: project %q: %w", pc.Name, err)
		}
		if err := sup.AddProject(toProjectSpec(pc), backend, buildSpecFactory(pc)); err != nil {
			return fmt.Errorf("serve: project %q: %w", pc.Name, err)
		}
		if err := sup.StartOrchestration(ctx, pc.Name); err != nil {
			return fmt.Errorf("serve: project %q: starting orchestration: %w", pc.Name, err)
		}
		logger.Info("project configured", "project", pc.Name)
	}

	server := ipc.New(sup, cfg.SocketPath, builder, logger)

	logger.Info("listening", "socket", cfg.SocketPath)
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
