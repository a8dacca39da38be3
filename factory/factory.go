package factory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/internal"
)

// Backend bundles a configured tree store with the codec and default rules.
//
// Usage:
//
//	cfg := nodes.DefaultConfig()
//	backend, err := factory.NewBackend(ctx, cfg)
//	if err != nil {
//	    // handle error
//	}
//	defer backend.Close()
//	root, _ := backend.Store.GetNode(ctx, "/content")
//	err = backend.Codec.ExportTree(ctx, w, backend.Store, root, backend.Rules)
type Backend struct {
	Store    nodes.Store
	Binaries nodes.BinaryStore
	Codec    nodes.TreeCodec
	Rules    *nodes.MappingRules

	components map[string]any
	closers    []func()
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// NewBackend builds the store selected by cfg.Storage.Driver. The schema is
// not touched; call EnsureSchema for that.
func NewBackend(ctx context.Context, cfg *nodes.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, err := cfg.Mapping.Rules()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		Codec:      internal.NewCodec(),
		Rules:      rules,
		components: make(map[string]any),
	}

	tables := internal.StoreTables{
		Nodes:      cfg.Database.TableNames.Nodes,
		Properties: cfg.Database.TableNames.Properties,
		Binaries:   cfg.Database.TableNames.Binaries,
	}
	var binaries nodes.BinaryStore
	if cfg.Storage.Driver != "memory" && cfg.Binary.Driver == "s3" {
		client, err := NewS3Client(ctx, cfg.Binary)
		if err != nil {
			return nil, err
		}
		s3Store := internal.NewS3BinaryStore(client, cfg.Binary.Bucket, cfg.Binary.Prefix)
		binaries = s3Store
		b.components["binaries"] = s3Store
		tables.Binaries = ""
	}

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		store, err := internal.NewPostgresStore(pool, tables, binaries)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = store
		if binaries == nil {
			binaries = internal.NewPostgresBinaryStore(pool, tables.Binaries)
		}
	case "sqlite":
		db, err := internal.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		store, err := internal.NewSQLiteStore(db, tables, binaries)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = store
		if binaries == nil {
			binaries = internal.NewSQLiteBinaryStore(db, tables.Binaries)
		}
	default:
		b.Store = internal.NewMemoryStore()
	}
	b.Binaries = binaries
	b.components["store"] = b.Store
	b.components["codec"] = b.Codec

	zap.S().Infow("backend ready",
		"storage", cfg.Storage.Driver,
		"binary", cfg.Binary.Driver,
		"scope", rules.Scope().String())
	return b, nil
}

// EnsureSchema creates the tables of SQL stores. Other stores need nothing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if s, ok := b.Store.(schemaEnsurer); ok {
		return s.EnsureSchema(ctx)
	}
	return nil
}

// Health pings every component that supports it.
func (b *Backend) Health(ctx context.Context) ([]internal.HealthStatus, bool) {
	return internal.CheckHealth(ctx, 5*time.Second, b.components)
}

// Close releases pools and database handles in reverse order.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// ConnString returns the libpq style URL of the database settings.
func ConnString(db nodes.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:     "/" + db.Database,
		RawQuery: url.Values{"sslmode": {db.SSLMode}}.Encode(),
	}
	return u.String()
}

// NewPool creates a PostgreSQL connection pool. With UseIAMAuth every new
// connection authenticates with a fresh DSQL token instead of the password.
func NewPool(ctx context.Context, db nodes.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(db))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(db.MaxConnections)
	poolConfig.MaxConnLifetime = db.ConnMaxLifetime
	poolConfig.ConnConfig.ConnectTimeout = db.Timeout

	if db.UseIAMAuth {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(db.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		endpoint := net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
		poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
			token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
			if err != nil {
				return fmt.Errorf("generate IAM auth token: %w", err)
			}
			cc.Password = token
			zap.S().Debugw("generated IAM auth token for Postgres connection", "endpoint", endpoint)
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewS3Client builds an S3 client. Static keys and a custom endpoint are
// optional; without them the default AWS credential chain applies.
func NewS3Client(ctx context.Context, bin nodes.BinaryConfig) (*s3.Client, error) {
	region := bin.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if bin.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(bin.AccessKeyID, bin.SecretAccessKey, "")))
	}
	if bin.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(bin.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = bin.UsePathStyle
	}), nil
}

// EnsureBucket creates bucket unless it already exists.
func EnsureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		if internal.IsBucketOwned(err) {
			return nil
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
