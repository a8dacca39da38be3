package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

const (
	pgPassword  = "password"
	s3AccessKey = "minio"
	s3SecretKey = "minio"
	s3Bucket    = "nodes-e2e"
)

// TestHarness runs the PostgreSQL and S3 containers the end-to-end tests use.
type TestHarness struct {
	PGContainer testcontainers.Container
	PGHost      string
	PGPort      int
	PGDB        *sql.DB
	S3Container testcontainers.Container
	S3Endpoint  string
}

// startContainer starts req and returns the host and mapped port of port.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, string, int, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", 0, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", 0, err
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", 0, err
	}
	return container, host, mapped.Int(), nil
}

// StartPostgres starts a postgres container and waits until it accepts
// queries through database/sql. Caller is responsible for calling StopPostgres.
func (h *TestHarness) StartPostgres(ctx context.Context) error {
	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "nodes",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}, "5432")
	if err != nil {
		return err
	}
	h.PGContainer, h.PGHost, h.PGPort = container, host, port

	dsn := fmt.Sprintf("postgres://postgres:%s@%s/nodes?sslmode=disable", pgPassword, net.JoinHostPort(host, strconv.Itoa(port)))
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(20 * time.Second)
	for {
		if err := db.PingContext(ctx); err == nil {
			h.PGDB = db
			return nil
		} else if time.Now().After(deadline) {
			db.Close()
			return fmt.Errorf("postgres did not become ready: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// StartS3 starts an S3 compatible container.
func (h *TestHarness) StartS3(ctx context.Context) error {
	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "rustfs/rustfs:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": s3AccessKey,
			"RUSTFS_SECRET_KEY": s3SecretKey,
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	}, "9000")
	if err != nil {
		return err
	}
	h.S3Container = container
	h.S3Endpoint = "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}

// Config returns a postgres configuration pointing at the running containers.
// Binary content goes to S3 when that container runs.
func (h *TestHarness) Config() *nodes.Config {
	cfg := nodes.DefaultConfig()
	cfg.Storage.Driver = "postgres"
	cfg.Database.Host = h.PGHost
	cfg.Database.Port = h.PGPort
	cfg.Database.Username = "postgres"
	cfg.Database.Password = pgPassword
	if h.S3Endpoint != "" {
		cfg.Binary = nodes.BinaryConfig{
			Driver:          "s3",
			Bucket:          s3Bucket,
			Prefix:          "binaries/",
			Endpoint:        h.S3Endpoint,
			AccessKeyID:     s3AccessKey,
			SecretAccessKey: s3SecretKey,
			UsePathStyle:    true,
		}
	}
	return cfg
}

// Stop terminates the containers and closes the database handle.
func (h *TestHarness) Stop(ctx context.Context) error {
	if h.PGDB != nil {
		h.PGDB.Close()
		h.PGDB = nil
	}
	for _, c := range []*testcontainers.Container{&h.PGContainer, &h.S3Container} {
		if *c == nil {
			continue
		}
		if err := (*c).Terminate(ctx); err != nil {
			return err
		}
		*c = nil
	}
	return nil
}
