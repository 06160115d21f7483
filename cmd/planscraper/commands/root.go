package commands

import (
	"context"
	"fmt"
	"os"

	"planscraper/internal/config"
	"planscraper/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	debug      *bool
	outputDir  *string
)

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "", "Path to a config file, by default planscraper.json5 is searched for upwards from the cwd.")
	debug = rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging.")
	outputDir = rootCmd.PersistentFlags().String("output-dir", "", "Directory downloads, progress and results are written to.")
}

var rootCmd = &cobra.Command{
	Use:   "planscraper",
	Short: "planscraper downloads the attachments of plans from a permitting portal.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*debug)
	},
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = *outputDir
	}
	if *debug {
		cfg.Debug = true
	}
	telemetry.InitSlog(cfg.Debug)
	return cfg, nil
}
