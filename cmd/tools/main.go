package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

type rootOptions struct {
	configPath string
	storage    string
	sqlitePath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nodes-tools",
		Short:         "Maintenance commands for node trees",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var logger *zap.Logger
			var err error
			if opts.verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = zap.L().Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", getenvDefault("CONFIG_FILE", ""), "configuration file (JSON)")
	flags.StringVar(&opts.storage, "storage", getenvDefault("STORAGE_DRIVER", ""), "storage driver: memory, postgres, sqlite")
	flags.StringVar(&opts.sqlitePath, "sqlite-path", getenvDefault("SQLITE_PATH", ""), "SQLite database file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging")

	root.AddCommand(newInitDBCmd(opts), newExportCmd(opts), newImportCmd(opts))
	return root
}

// loadConfig reads the configuration file when given and applies the flag overrides.
func (o *rootOptions) loadConfig() (*nodes.Config, error) {
	cfg := nodes.DefaultConfig()
	if o.configPath != "" {
		loaded, err := nodes.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.storage != "" {
		cfg.Storage.Driver = o.storage
	}
	if o.sqlitePath != "" {
		cfg.Storage.SQLitePath = o.sqlitePath
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
