// Package cli provides the command-line interface for leapserve.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/server"

	// Register execution engines.
	_ "github.com/leapstack-labs/leapserve/internal/engine/duckdb"
	_ "github.com/leapstack-labs/leapserve/internal/engine/frame"
	_ "github.com/leapstack-labs/leapserve/internal/engine/postgres"
	_ "github.com/leapstack-labs/leapserve/internal/engine/sqlite"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

var cfgFile string

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leapserve",
		Short: "leapserve - datasets as REST endpoints",
		Long: `leapserve exposes tabular datasets (parquet, delta, csv, json, sqlite,
postgres) as REST endpoints. Query parameters translate into engine-agnostic
query plans executed by interchangeable engines.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default leapserve.yaml in the working directory)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTablesCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg, err := config.LoadFromDir(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no leapserve.yaml found; pass --config")
	}
	return cfg, nil
}

// loadConfigWithFlags layers flags the user set on top of the file.
func loadConfigWithFlags(cmd *cobra.Command) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if path = config.FindConfigFile("."); path == "" {
			return nil, fmt.Errorf("no leapserve.yaml found; pass --config")
		}
	}
	return config.LoadWithFlags(path, cmd.Flags())
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
	}
	cmd.Flags().String("server.addr", "", "listen address (overrides config)")
	cmd.Flags().String("server.log_level", "", "log level (overrides config)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfigWithFlags(cmd)
		if err != nil {
			return err
		}

		s, err := server.New(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.Serve(ctx)
	}
	return cmd
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List configured datasources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"NAME", "FORMAT", "ENGINE", "URI", "PARAMS"})
			for _, ds := range cfg.Datasources {
				engineName := ds.Engine
				if engineName == "" {
					engineName = "(default)"
				}
				t.AppendRow(table.Row{ds.Name, ds.Format, engineName, ds.URI, len(ds.Params)})
			}
			t.Render()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "(%d datasources)\n", len(cfg.Datasources))
			return nil
		},
	}
}
