package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
	"github.com/ist-dresden/composum-nodes-sub000/internal"
)

// Server exposes node trees as JSON over HTTP
type Server struct {
	store  nodes.Store
	codec  nodes.TreeCodec
	rules  *nodes.MappingRules
	health func(ctx context.Context) ([]internal.HealthStatus, bool)
	mux    *http.ServeMux
}

// NewServer creates a new Server instance
func NewServer(store nodes.Store, codec nodes.TreeCodec, rules *nodes.MappingRules) *Server {
	return &Server{
		store: store,
		codec: codec,
		rules: rules,
		health: func(ctx context.Context) ([]internal.HealthStatus, bool) {
			return internal.CheckHealth(ctx, 0, map[string]any{"store": store})
		},
		mux: http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc(nodesAPIPrefix, s.handleNodes)
	s.mux.HandleFunc(s.rules.LinkPrefix()+binaryServletPath, s.handleBinary)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, cfg nodes.ServerConfig) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.S().Infow("starting server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	cfg := nodes.DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := nodes.LoadConfig(path)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	internal.RegisterTelemetryEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		sugar.Debugw("measurement", "name", name, "labels", labels, "value", value)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := factory.NewBackend(ctx, cfg)
	if err != nil {
		sugar.Fatalf("failed to create backend: %v", err)
	}
	defer backend.Close()

	if err := backend.EnsureSchema(ctx); err != nil {
		sugar.Fatalf("failed to prepare schema: %v", err)
	}

	server := NewServer(backend.Store, backend.Codec, backend.Rules)
	server.health = backend.Health
	server.RegisterRoutes()

	if err := server.Start(ctx, cfg.Server); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

// newLogger builds a production logger, or a development one for debug level.
func newLogger(cfg nodes.LoggingConfig) (*zap.Logger, error) {
	if cfg.Level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// applyEnvOverrides lets the environment override the configuration file.
func applyEnvOverrides(cfg *nodes.Config) {
	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.SQLitePath = getEnv("SQLITE_PATH", cfg.Storage.SQLitePath)

	db := &cfg.Database
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnvInt("DB_PORT", db.Port)
	db.Database = getEnv("DB_NAME", db.Database)
	db.Username = getEnv("DB_USER", db.Username)
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.SSLMode = getEnv("DB_SSL_MODE", db.SSLMode)
	db.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", db.MaxConnections)
	db.ConnMaxLifetime = time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SECONDS", int(db.ConnMaxLifetime/time.Second))) * time.Second
	db.Timeout = time.Duration(getEnvInt("DB_TIMEOUT_SECONDS", int(db.Timeout/time.Second))) * time.Second
	db.UseIAMAuth = getEnv("DB_USE_IAM_AUTH", strconv.FormatBool(db.UseIAMAuth)) == "true"
	db.Region = getEnv("AWS_REGION", db.Region)
	db.TableNames.Nodes = getEnv("NODES_TABLE", db.TableNames.Nodes)
	db.TableNames.Properties = getEnv("PROPERTIES_TABLE", db.TableNames.Properties)
	db.TableNames.Binaries = getEnv("BINARIES_TABLE", db.TableNames.Binaries)

	bin := &cfg.Binary
	bin.Driver = getEnv("BINARY_DRIVER", bin.Driver)
	bin.Bucket = getEnv("S3_BUCKET", bin.Bucket)
	bin.Prefix = getEnv("S3_PREFIX", bin.Prefix)
	bin.Region = getEnv("S3_REGION", bin.Region)
	bin.Endpoint = getEnv("S3_ENDPOINT", bin.Endpoint)
	bin.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", bin.AccessKeyID)
	bin.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", bin.SecretAccessKey)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
