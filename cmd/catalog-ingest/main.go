package main

import (
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "catalog-ingest",
	Short: "Ingest seller catalogs from the marketplace API",
	Long: `catalog-ingest finds the new items in a seller's catalog, routes them
inline or onto the batch queue, and drains that queue with claiming workers.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "YAML config file. Env: CONFIG_FILE")
	pf.String("log-level", "", "Log level (debug, info, warn, error). Env: LOG_LEVEL")
	pf.Bool("log-json", false, "Emit JSON logs. Env: LOG_JSON")
	pf.String("metrics", "", "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")

	rootCmd.AddCommand(ingestCmd(), drainCmd(), statusCmd(), initDBCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
