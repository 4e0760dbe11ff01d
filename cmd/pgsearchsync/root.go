package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pgsearchsync",
	Short: "pgsearchsync keeps a search index in lockstep with PostgreSQL",
	Long: `pgsearchsync compiles a YAML schema tree into join SQL, consumes PostgreSQL's
logical replication stream, and keeps a destination search index continuously
up to date with the rows and relationships that stream describes.

Get started:
  pgsearchsync validate    Compile every configured schema against the live catalog
  pgsearchsync sync        Run the change-propagation engine
  pgsearchsync --help      Show available commands`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(syncCmd)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("pgsearchsync exited with error")
	}
}
