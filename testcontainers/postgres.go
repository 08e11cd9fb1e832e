package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresPort     = "5432"
	postgresUser     = "sync"
	postgresPassword = "sync"
	postgresDatabase = "sync_test"
)

// PostgresContainer is a running Postgres instance for tests.
type PostgresContainer struct {
	testcontainers.Container

	Host string
	Port int
}

// NewPostgresContainer starts Postgres and waits until the server accepts
// connections. The log line appears twice during startup (once for the
// bootstrap process), so the wait also requires the port to be exposed.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{postgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections"),
			wait.ForExposedPort(),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve postgres host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		return nil, fmt.Errorf("resolve postgres port: %w", err)
	}

	return &PostgresContainer{
		Container: container,
		Host:      host,
		Port:      mapped.Int(),
	}, nil
}

// DSN returns a postgres:// connection string.
func (c *PostgresContainer) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
		postgresUser, postgresPassword, c.Host, c.Port, postgresDatabase)
}
