package commands

import (
	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/config"
)

var (
	logLevelOverride string
	configFile       string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quorum",
		Short: "Quorum - multi-party approval engine",
		Long: `Quorum gates sensitive operations behind approvals from configured groups.
Requests are created over HTTP, decided over HTTP or chat, and escalate or
expire on schedule.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.quorum/config.json)")

	cmd.AddCommand(
		NewInitCmd(),
		NewServeCmd(),
		NewApprovalCmd(),
		NewPolicyCmd(),
		NewChannelsCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.LoadFrom(configFile)
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.ConfigPath()
}
