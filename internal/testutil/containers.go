// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// PostgresDSN starts a Postgres container once per test binary and returns
// its connection string. The test is skipped under -short or when no
// container runtime is available.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		pgC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// the entrypoint restarts the server once after init
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "clinic",
				"POSTGRES_PASSWORD": "clinic",
				"POSTGRES_DB":       "clinic_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := pgC.Endpoint(ctx, "")
		if err != nil {
			_ = pgC.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://clinic:clinic@%s/clinic_test?sslmode=disable", endpoint)
	})

	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

// RedisAddr starts a Redis container once per test binary and returns its
// host:port. Skips like PostgresDSN.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background())
			redisErr = err
			return
		}
		redisAddr = endpoint
	})

	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisAddr
}
