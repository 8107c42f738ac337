package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	agentconfig "github.com/andywolf/agentium-supervisor/internal/config"
	"github.com/andywolf/agentium-supervisor/internal/agentruntime"
	"github.com/andywolf/agentium-supervisor/internal/broker"
	"github.com/andywolf/agentium-supervisor/internal/github"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend"
	ghbackend "github.com/andywolf/agentium-supervisor/internal/issuebackend/github"
	"github.com/andywolf/agentium-supervisor/internal/issuebackend/localfile"
	"github.com/andywolf/agentium-supervisor/internal/mergepipeline"
	"github.com/andywolf/agentium-supervisor/internal/orchestrator"
	"github.com/andywolf/agentium-supervisor/internal/permission"
	"github.com/andywolf/agentium-supervisor/internal/streamnorm"
	"github.com/andywolf/agentium-supervisor/internal/supervisor"
	"github.com/google/uuid"
)

// policyDecider builds the C5 Permission Evaluator's broker.PolicyDecider
// adapter from the configuration file's global permission_rules, or nil
// (every approval falls straight through to the human queue) when none are
// configured.
func policyDecider(cfg *agentconfig.Config) broker.PolicyDecider {
	if len(cfg.PermissionRules) == 0 {
		return nil
	}
	rules := make([]permission.Rule, len(cfg.PermissionRules))
	for i, r := range cfg.PermissionRules {
		rules[i] = permission.Rule{
			Tool:   r.Tool,
			Action: permission.Action(r.Action),
			Input:  r.Input,
		}
	}
	return permission.Decider{Rules: rules}
}

// defaultProjectConfig covers a project added at runtime via the IPC
// project.add request, which (per spec.md section 6's wire payload) carries
// only the core ProjectSpec fields and no issue-backend selector. Such a
// project gets the local-file backend rooted in a conventional subdirectory
// of its repo, and the claude agent backend, matching the config file's own
// defaults (internal/config.applyDefaults).
func defaultProjectConfig(spec supervisor.ProjectSpec) agentconfig.ProjectConfig {
	return agentconfig.ProjectConfig{
		Name:         spec.Name,
		RepoDir:      spec.RepoDir,
		WorktreeRoot: spec.WorktreeRoot,
		IssueBackend: "local",
		TicketsDir:   filepath.Join(spec.RepoDir, ".agentium-issues"),
		AgentBackend: "claude",
		AgentCommand: []string{"claude", "--output-format", "stream-json"},
	}
}

// buildIssueBackend constructs the configured IssueBackend for one project,
// grounded on internal/issuebackend/localfile.New and
// internal/issuebackend/github.New (the latter over the GitHub App token
// pipeline).
func buildIssueBackend(pc agentconfig.ProjectConfig) (issuebackend.Backend, error) {
	switch pc.IssueBackend {
	case "github":
		privateKey, err := os.ReadFile(pc.GitHub.PrivateKeySecret)
		if err != nil {
			return nil, fmt.Errorf("wiring: project %q: reading github private key: %w", pc.Name, err)
		}
		tokens, err := github.NewTokenManager(fmt.Sprintf("%d", pc.GitHub.AppID), pc.GitHub.InstallationID, privateKey)
		if err != nil {
			return nil, fmt.Errorf("wiring: project %q: github token manager: %w", pc.Name, err)
		}
		return ghbackend.New(pc.GitHub.Owner+"/"+pc.GitHub.Repo, tokens), nil
	default:
		backend, err := localfile.New(pc.TicketsDir)
		if err != nil {
			return nil, fmt.Errorf("wiring: project %q: local issue backend: %w", pc.Name, err)
		}
		return backend, nil
	}
}

// buildSpecFactory returns the orchestrator.SpecFactory for one project's
// configured agent backend (spec.md section 4.6's two child process
// models), grounded on agentruntime's Claude Code / Codex dialect-encoder
// pairs (internal/agentruntime/encoder.go, internal/streamnorm).
func buildSpecFactory(pc agentconfig.ProjectConfig) orchestrator.SpecFactory {
	command := pc.AgentCommand

	switch pc.AgentBackend {
	case "codex":
		return func(agentID, issueID, worktreeDir, branch string) agentruntime.Spec {
			return agentruntime.Spec{
				AgentID: agentID,
				Project: pc.Name,
				Mode:    agentruntime.ModePerTurn,
				Dialect: streamnorm.CodexDialect{},
				Encoder: agentruntime.CodexEncoder{},
				Build: func(ctx context.Context, resumeToken, message string) (*exec.Cmd, error) {
					args := append([]string{}, command[1:]...)
					if resumeToken != "" {
						args = append(args, "--resume", resumeToken)
					}
					cmd := exec.CommandContext(ctx, command[0], args...)
					cmd.Dir = worktreeDir
					return cmd, nil
				},
			}
		}
	default:
		return func(agentID, issueID, worktreeDir, branch string) agentruntime.Spec {
			return agentruntime.Spec{
				AgentID: agentID,
				Project: pc.Name,
				Mode:    agentruntime.ModeInteractive,
				Dialect: streamnorm.ClaudeCodeDialect{},
				Encoder: agentruntime.ClaudeCodeEncoder{},
				Build: func(ctx context.Context, resumeToken, message string) (*exec.Cmd, error) {
					cmd := exec.CommandContext(ctx, command[0], command[1:]...)
					cmd.Dir = worktreeDir
					return cmd, nil
				},
			}
		}
	}
}

func toProjectSpec(pc agentconfig.ProjectConfig) supervisor.ProjectSpec {
	return supervisor.ProjectSpec{
		Name:             pc.Name,
		RepoDir:          pc.RepoDir,
		WorktreeRoot:     pc.WorktreeRoot,
		BranchPrefix:     pc.BranchPrefix,
		Cap:              pc.Cap,
		MergeStrategy:    mergepipeline.Strategy(pc.MergeStrategy),
		TickInterval:     pc.TickInterval(),
		SilenceThreshold: pc.SilenceThreshold(),
	}
}

// newIDGenerator produces agent IDs via uuid.NewString, per SPEC_FULL.md's
// DOMAIN STACK wiring of github.com/google/uuid to C6 agent IDs.
func newIDGenerator() func() string {
	return uuid.NewString
}
