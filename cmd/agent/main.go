package main

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"chouette-agent/internal/agent"
	"chouette-agent/internal/agent/version"
	"chouette-agent/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "chouette-agent",
		Short:         "Collect, aggregate and forward metrics to a Datadog-compatible backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd, configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the agent until a signal or a fatal worker failure",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAgent(cmd, configFile)
			},
		},
		newVersionCmd(&configFile),
	)
	return rootCmd
}

func runAgent(cmd *cobra.Command, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "load config: %v\n", err)
		return err
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("agent initialization failed")
		return err
	}
	if err := a.Run(cmd.Context()); err != nil {
		logger.WithError(err).Error("agent runtime failed")
		return err
	}
	return nil
}

func newVersionCmd(configFile *string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "chouette-agent %s\n", config.HardcodedVersion)
				return nil
			}
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(version.Get(cfg), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print the effective runtime settings")
	return cmd
}
