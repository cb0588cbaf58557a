package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/traceprof/internal/logutil"
)

var release string

var (
	configPath string
	config     ServiceConfig
)

var rootCmd = &cobra.Command{
	Use:           "traceprof",
	Short:         "Turns kernel CPU sampling traces into symbolized call trees",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		return logutil.ConfigureLogger(config.LogLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.AddCommand(processCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("traceprof failed")
		os.Exit(1)
	}
}
