package cli

import (
	"fmt"
	"os"

	"github.com/andywolf/agentium-supervisor/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentiumd",
	Short: "Agentium - a local supervisor for AI coding agents",
	Long: `Agentium supervises a fleet of AI coding-agent subprocesses across one
or more git repositories, claiming issues, watching their output, and
routing permission/question prompts to a human.

Example:
  agentiumd serve
  agentiumd project add myproject --repo-dir /code/myproject --worktree-root /code/myproject/.worktrees`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .agentium.toml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("toml")
		viper.SetConfigName(".agentium")
	}

	viper.SetEnvPrefix("AGENTIUM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
