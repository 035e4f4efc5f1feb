package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"prepaidmeter/backend/services/meter-service/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meterctl",
	Short: "Operator tooling for the prepaid meter service",
	Long: `meterctl issues operator tokens for the meter service API and checks
meter service configuration files before deployment.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadFrom(configPath)
}
