// Package testcontainers spins up disposable Redis and Postgres instances
// for integration tests. The helpers skip the calling test when no Docker
// daemon is reachable, so the suite stays green on machines without Docker
// while CI exercises the real backends.
//
// Basic usage:
//
//	func TestQueueRoundTrip(t *testing.T) {
//	    addr := testcontainers.Redis(t)
//	    // addr is a host:port ready for asynq or go-redis
//	}
//
//	func TestStoreOnPostgres(t *testing.T) {
//	    dsn := testcontainers.Postgres(t)
//	    st, err := store.Open(dsn, 4, nil)
//	    ...
//	}
//
// Containers terminate through t.Cleanup, failures to tear down are logged
// but never fail the test.
package testcontainers

import (
	"context"
	"testing"
	"time"
)

// startTimeout bounds container startup including a possible image pull.
const startTimeout = 60 * time.Second

// Redis starts a disposable Redis container and returns its host:port
// address. The test is skipped when no Docker daemon is reachable.
func Redis(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := NewRedisContainer(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	t.Cleanup(func() {
		if terr := c.Terminate(context.Background()); terr != nil {
			t.Logf("terminate redis container: %v", terr)
		}
	})

	return c.Addr()
}

// Postgres starts a disposable Postgres container and returns a DSN that
// store.Open accepts. The test is skipped when no Docker daemon is
// reachable.
func Postgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	t.Cleanup(func() {
		if terr := c.Terminate(context.Background()); terr != nil {
			t.Logf("terminate postgres container: %v", terr)
		}
	})

	return c.DSN()
}
