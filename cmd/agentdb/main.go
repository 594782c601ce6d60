// Command agentdb is an operator CLI for inspecting and editing any AgentDB
// backend.
package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/nuln/agentdb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globals
	rootCmd := &cobra.Command{
		Use:           "agentdb",
		Short:         "AgentDB - backend-agnostic storage for agents",
		Long:          "Inspect and edit any AgentDB backend: key/value access, prefix scans and native queries.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", os.Getenv("AGENTDB_CONFIG"), "Path to YAML config file")
	flags.StringVar(&g.typ, "type", envOr("AGENTDB_TYPE", "fs"), "Driver type ("+driverList()+")")
	flags.StringVar(&g.path, "path", os.Getenv("AGENTDB_PATH"), "Base path or remote for file-based drivers")
	flags.StringVar(&g.dsn, "dsn", os.Getenv("AGENTDB_DSN"), "Connection string for database drivers")
	flags.StringVar(&g.logLevel, "log-level", envOr("AGENTDB_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		driversCmd(),
		capsCmd(&g),
		putCmd(&g),
		getCmd(&g),
		deleteCmd(&g),
		scanCmd(&g),
		queryCmd(&g),
	)
	return rootCmd
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func driverList() string {
	names := agentdb.Drivers()
	s := ""
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += n
	}
	return s
}
