package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuln/agentdb"
	_ "github.com/nuln/agentdb/drivers"
)

type globals struct {
	configPath string
	typ        string
	path       string
	dsn        string
	logLevel   string
}

// config merges the config file, if any, with the flags explicitly set on
// the command line.
func (g *globals) config(cmd *cobra.Command) (*agentdb.Config, error) {
	cfg := &agentdb.Config{Type: g.typ, BasePath: g.path, DSN: g.dsn}
	if g.configPath == "" {
		return cfg, nil
	}
	fileCfg, err := agentdb.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("type") {
		fileCfg.Type = g.typ
	}
	if flags.Changed("path") {
		fileCfg.BasePath = g.path
	}
	if flags.Changed("dsn") {
		fileCfg.DSN = g.dsn
	}
	return fileCfg, nil
}

func (g *globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", g.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func (g *globals) open(cmd *cobra.Command) (*agentdb.DB, error) {
	cfg, err := g.config(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := g.logger()
	if err != nil {
		return nil, err
	}
	return agentdb.Open(cfg, agentdb.WithLogger(logger))
}
