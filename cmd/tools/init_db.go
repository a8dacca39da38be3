package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
)

type initDBOptions struct {
	host       string
	port       int
	database   string
	user       string
	password   string
	sslMode    string
	nodes      string
	properties string
	binaries   string
	bucket     bool
}

func newInitDBCmd(root *rootOptions) *cobra.Command {
	opts := &initDBOptions{}
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create the node tables and, for S3 binaries, the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg.Database, root.configPath == "")
			return initDatabase(cmd.Context(), cfg, opts.bucket)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", "nodes"), "database name")
	flags.StringVar(&opts.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.StringVar(&opts.nodes, "nodes-table", getenvDefault("NODES_TABLE", "nodes"), "node table name")
	flags.StringVar(&opts.properties, "properties-table", getenvDefault("PROPERTIES_TABLE", "node_properties"), "property table name")
	flags.StringVar(&opts.binaries, "binaries-table", getenvDefault("BINARIES_TABLE", "node_binaries"), "binary table name")
	flags.BoolVar(&opts.bucket, "create-bucket", false, "create the S3 bucket when binaries live in S3")
	return cmd
}

// apply copies the flags that were set, or all of them when no config file is used.
func (o *initDBOptions) apply(cmd *cobra.Command, db *nodes.DatabaseConfig, all bool) {
	set := func(name string) bool {
		return all || cmd.Flags().Changed(name)
	}
	if set("db-host") {
		db.Host = o.host
	}
	if set("db-port") {
		db.Port = o.port
	}
	if set("db-name") {
		db.Database = o.database
	}
	if set("db-user") {
		db.Username = o.user
	}
	if set("db-password") {
		db.Password = o.password
	}
	if set("db-ssl-mode") {
		db.SSLMode = o.sslMode
	}
	if set("nodes-table") {
		db.TableNames.Nodes = o.nodes
	}
	if set("properties-table") {
		db.TableNames.Properties = o.properties
	}
	if set("binaries-table") {
		db.TableNames.Binaries = o.binaries
	}
}

func initDatabase(ctx context.Context, cfg *nodes.Config, createBucket bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if createBucket && cfg.Binary.Driver == "s3" {
		client, err := factory.NewS3Client(ctx, cfg.Binary)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		if err := factory.EnsureBucket(ctx, client, cfg.Binary.Bucket); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}

	backend, err := factory.NewBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	if err := backend.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	zap.S().Infow("database initialized",
		"storage", cfg.Storage.Driver,
		"nodes", cfg.Database.TableNames.Nodes,
		"properties", cfg.Database.TableNames.Properties)
	return nil
}
