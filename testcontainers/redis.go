package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisPort = "6379"

// RedisContainer is a running Redis instance for tests.
type RedisContainer struct {
	testcontainers.Container

	Host string
	Port int
}

// NewRedisContainer starts Redis and waits until it accepts connections.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve redis host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, redisPort)
	if err != nil {
		return nil, fmt.Errorf("resolve redis port: %w", err)
	}

	return &RedisContainer{
		Container: container,
		Host:      host,
		Port:      mapped.Int(),
	}, nil
}

// Addr returns the host:port address for Redis clients.
func (c *RedisContainer) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
