package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects on a running agentiumd daemon",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a project with the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, err := socketPathFromConfig()
		if err != nil {
			return err
		}

		repoDir, _ := cmd.Flags().GetString("repo-dir")
		worktreeRoot, _ := cmd.Flags().GetString("worktree-root")
		branchPrefix, _ := cmd.Flags().GetString("branch-prefix")
		projectCap, _ := cmd.Flags().GetInt("cap")
		mergeStrategy, _ := cmd.Flags().GetString("merge-strategy")

		payload := map[string]any{
			"name":           args[0],
			"repo_dir":       repoDir,
			"worktree_root":  worktreeRoot,
			"branch_prefix":  branchPrefix,
			"cap":            projectCap,
			"merge_strategy": mergeStrategy,
		}

		if _, err := callIPC(socketPath, "project.add", payload); err != nil {
			return err
		}
		fmt.Printf("project %q added\n", args[0])
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a project from the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, err := socketPathFromConfig()
		if err != nil {
			return err
		}

		deleteWorktrees, _ := cmd.Flags().GetBool("delete-worktrees")
		payload := map[string]any{
			"name":             args[0],
			"delete_worktrees": deleteWorktrees,
		}

		if _, err := callIPC(socketPath, "project.remove", payload); err != nil {
			return err
		}
		fmt.Printf("project %q removed\n", args[0])
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects known to the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, err := socketPathFromConfig()
		if err != nil {
			return err
		}

		payload, err := callIPC(socketPath, "project.list", map[string]any{})
		if err != nil {
			return err
		}

		var pretty any
		if err := json.Unmarshal(payload, &pretty); err != nil {
			return fmt.Errorf("project list: decoding response: %w", err)
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return fmt.Errorf("project list: formatting response: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	projectAddCmd.Flags().String("repo-dir", "", "path to the project's git repository")
	projectAddCmd.Flags().String("worktree-root", "", "directory under which agent worktrees are created")
	projectAddCmd.Flags().String("branch-prefix", "agent", "branch name prefix for spawned agents")
	projectAddCmd.Flags().Int("cap", 3, "maximum concurrent agents for this project")
	projectAddCmd.Flags().String("merge-strategy", "direct", "direct or prepare-pull-request")

	projectRemoveCmd.Flags().Bool("delete-worktrees", false, "also delete the project's worktrees on disk")

	projectCmd.AddCommand(projectAddCmd, projectRemoveCmd, projectListCmd)
	rootCmd.AddCommand(projectCmd)
}
