// Switchboard routes customer conversations from every channel to
// specialist agents on behalf of many small businesses.
//
// Commands:
//   - serve: run the webhook and admin HTTP server
//   - registry check: validate the capability registry, routes and tenants
//   - intent: classify a message offline
package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/switchboardhq/switchboard/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "switchboard",
	Short:         "Switchboard - multi-channel conversational agent orchestration",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		setupLogging(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, registryCmd, intentCmd)
}

// setupLogging configures the global zerolog logger. format "json" writes
// one JSON object per line; anything else writes console output.
func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("switchboard failed")
		os.Exit(1)
	}
}
