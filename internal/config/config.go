// Package config loads the supervisor's TOML configuration file, following
// the teacher's viper-based load/default/validate shape
// (internal/config's original Load/applyDefaults/Validate) reconfigured for
// TOML (spec.md section 6: "Configuration file (TOML)") in place of the
// teacher's YAML.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultTickInterval and DefaultSilenceThreshold are spec.md section 4.8's
// named defaults ("periodic timer (default interval 10 s)",
// "silence threshold... default 60 s").
const (
	DefaultTickInterval     = 10 * time.Second
	DefaultSilenceThreshold = 60 * time.Second
	DefaultCap              = 3
)

// GitHubConfig configures the GitHub IssueBackend's App authentication,
// mirroring the teacher's GitHubConfig fields verbatim (AppID,
// InstallationID, PrivateKeySecret), repurposed from session-controller VM
// auth to IssueBackend auth per SPEC_FULL.md.
type GitHubConfig struct {
	AppID            int64  `mapstructure:"app_id"`
	InstallationID   int64  `mapstructure:"installation_id"`
	PrivateKeySecret string `mapstructure:"private_key_secret"`
	Owner            string `mapstructure:"owner"`
	Repo             string `mapstructure:"repo"`
}

// ProjectConfig is one entry in the configuration file's project list
// (spec.md section 6: "a list of projects with per-project keys: name,
// remote URL, caps, backend selectors, merge-strategy, optional author
// filters, silence threshold").
type ProjectConfig struct {
	Name         string `mapstructure:"name"`
	RemoteURL    string `mapstructure:"remote_url"`
	RepoDir      string `mapstructure:"repo_dir"`
	WorktreeRoot string `mapstructure:"worktree_root"`
	BranchPrefix string `mapstructure:"branch_prefix"`
	Cap          int    `mapstructure:"cap"`

	// IssueBackend selects "local" (internal/issuebackend/localfile) or
	// "github" (internal/issuebackend/github).
	IssueBackend string       `mapstructure:"issue_backend"`
	TicketsDir   string       `mapstructure:"tickets_dir"`
	GitHub       GitHubConfig `mapstructure:"github"`

	// MergeStrategy is "direct" or "prepare-pull-request"
	// (mergepipeline.Strategy's two values).
	MergeStrategy string   `mapstructure:"merge_strategy"`
	AuthorFilters []string `mapstructure:"author_filters"`

	// AgentBackend selects the coding-agent dialect/encoder pair: "claude"
	// (streamnorm.ClaudeCodeDialect, agentruntime.ModeInteractive) or
	// "codex" (streamnorm.CodexDialect, agentruntime.ModePerTurn).
	AgentBackend string   `mapstructure:"agent_backend"`
	AgentCommand []string `mapstructure:"agent_command"`

	TickIntervalSeconds     int `mapstructure:"tick_interval_seconds"`
	SilenceThresholdSeconds int `mapstructure:"silence_threshold_seconds"`
}

// TickInterval returns the configured tick interval, or DefaultTickInterval
// if unset.
func (p ProjectConfig) TickInterval() time.Duration {
	if p.TickIntervalSeconds <= 0 {
		return DefaultTickInterval
	}
	return time.Duration(p.TickIntervalSeconds) * time.Second
}

// SilenceThreshold returns the configured intervention-gate silence
// threshold, or DefaultSilenceThreshold if unset.
func (p ProjectConfig) SilenceThreshold() time.Duration {
	if p.SilenceThresholdSeconds <= 0 {
		return DefaultSilenceThreshold
	}
	return time.Duration(p.SilenceThresholdSeconds) * time.Second
}

// PermissionRuleConfig is one entry in the configuration file's global
// permission rule list (spec.md section 9: "rules evaluated before any
// entry reaches the human approval queue"), mirroring
// internal/permission.Rule's fields for TOML decoding. Rules are global
// rather than per-project because the Broker (C5's consumer) is a single
// process-wide instance and PolicyDecider.Decide carries no project
// identifier.
type PermissionRuleConfig struct {
	Tool   string `mapstructure:"tool"`
	Action string `mapstructure:"action"`
	Input  string `mapstructure:"input"`
}

// Config is the full supervisor configuration (spec.md section 6's
// "Configuration file (TOML), canonical path resolved from base dir;
// contains global settings and a list of projects").
type Config struct {
	SocketPath string `mapstructure:"socket_path"`
	RuntimeDir string `mapstructure:"runtime_dir"`
	Verbose    bool   `mapstructure:"verbose"`

	Projects []ProjectConfig `mapstructure:"projects"`

	PermissionRules []PermissionRuleConfig `mapstructure:"permission_rules"`
}

// Load reads configuration via viper (already positioned at a config file
// and environment prefix by internal/cli's initConfig) and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/agentium/agentium.sock"
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = "/tmp/agentium/run"
	}
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		if p.Cap <= 0 {
			p.Cap = DefaultCap
		}
		if p.BranchPrefix == "" {
			p.BranchPrefix = "agent"
		}
		if p.IssueBackend == "" {
			p.IssueBackend = "local"
		}
		if p.MergeStrategy == "" {
			p.MergeStrategy = "direct"
		}
		if p.AgentBackend == "" {
			p.AgentBackend = "claude"
		}
		if len(p.AgentCommand) == 0 {
			switch p.AgentBackend {
			case "codex":
				p.AgentCommand = []string{"codex", "--json"}
			default:
				p.AgentCommand = []string{"claude", "--output-format", "stream-json"}
			}
		}
	}
}

// Validate checks the configuration for the errors that would otherwise
// surface confusingly deep inside AddProject (spec.md section 7's
// policy-violation taxonomy: fail fast with a typed message, never retry).
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket_path is required")
	}

	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("config: project name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate project name %q", p.Name)
		}
		seen[p.Name] = true

		if p.RepoDir == "" {
			return fmt.Errorf("config: project %q: repo_dir is required", p.Name)
		}
		if p.WorktreeRoot == "" {
			return fmt.Errorf("config: project %q: worktree_root is required", p.Name)
		}

		switch p.IssueBackend {
		case "local":
			if p.TicketsDir == "" {
				return fmt.Errorf("config: project %q: tickets_dir is required for the local issue backend", p.Name)
			}
		case "github":
			if p.GitHub.AppID == 0 {
				return fmt.Errorf("config: project %q: github.app_id is required for the github issue backend", p.Name)
			}
			if p.GitHub.InstallationID == 0 {
				return fmt.Errorf("config: project %q: github.installation_id is required for the github issue backend", p.Name)
			}
		default:
			return fmt.Errorf("config: project %q: invalid issue_backend %q (must be local or github)", p.Name, p.IssueBackend)
		}

		switch p.MergeStrategy {
		case "direct", "prepare-pull-request":
		default:
			return fmt.Errorf("config: project %q: invalid merge_strategy %q (must be direct or prepare-pull-request)", p.Name, p.MergeStrategy)
		}

		switch p.AgentBackend {
		case "claude", "codex":
		default:
			return fmt.Errorf("config: project %q: invalid agent_backend %q (must be claude or codex)", p.Name, p.AgentBackend)
		}
	}

	for _, r := range c.PermissionRules {
		if r.Tool == "" {
			return fmt.Errorf("config: permission_rules: tool is required")
		}
		switch r.Action {
		case "allow", "deny":
		default:
			return fmt.Errorf("config: permission_rules: invalid action %q for tool %q (must be allow or deny)", r.Action, r.Tool)
		}
	}

	return nil
}
