package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/app"
	"github.com/foxzi/drip/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drip",
	Short: "drip - scheduled email dispatch engine",
	Long:  `drip dispatches scheduled outbound emails across rotating sending accounts, respecting per-account rate limits and per-campaign sending windows.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch daemon",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("drip version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Storage:  %s\n", cfg.Storage.Path)
	fmt.Printf("  Tick:     %s\n", cfg.Scheduler.TickInterval)
	fmt.Printf("  Strategy: %s\n", cfg.Scheduler.Strategy)
	fmt.Printf("  API:      %s (enabled: %v)\n", cfg.API.ListenAddr, cfg.API.Enabled)
	fmt.Printf("  Metrics:  %s (enabled: %v)\n", cfg.Metrics.ListenAddr, cfg.Metrics.Enabled)

	return nil
}
