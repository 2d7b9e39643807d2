package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/medmesh/config"
	"github.com/hupe1980/medmesh/protocol"
)

const version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "medmesh",
	Short:         "medmesh - a multi-agent medical query coordinator",
	Long:          "medmesh answers medical questions by reasoning over a set of specialist agents and local medical tools.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (defaults plus environment when empty)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(specialistCmd)
	rootCmd.AddCommand(cardsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of medmesh",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "medmesh v%s (protocol %s)\n", version, protocol.Version)
	},
}

// loadConfig reads .env files and the config file named by --config.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
