//go:build integration

// Package testutil sets up isolated environments for integration tests that
// need a real Redis server.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// E2EEnvironment is an isolated working directory plus a dedicated Redis
// container. Everything is torn down when the test ends.
type E2EEnvironment struct {
	T         *testing.T
	Ctx       context.Context
	TmpDir    string
	RedisURL  string
	Redis     *redis.Client
	Namespace string
}

// SetupE2EEnvironment starts redis:7-alpine, writes saplingYML (if not empty)
// into a fresh temp directory and returns the environment. The namespace is
// unique per call so tests sharing a server cannot see each other's mailboxes.
func SetupE2EEnvironment(t *testing.T, saplingYML string) *E2EEnvironment {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	env := &E2EEnvironment{
		T:         t,
		Ctx:       ctx,
		TmpDir:    t.TempDir(),
		RedisURL:  fmt.Sprintf("redis://%s:%s", host, port.Port()),
		Namespace: fmt.Sprintf("test-e2e-%s", time.Now().Format("20060102-150405-000000")),
	}

	opts, err := redis.ParseURL(env.RedisURL)
	require.NoError(t, err)
	env.Redis = redis.NewClient(opts)
	t.Cleanup(func() { env.Redis.Close() })

	if saplingYML != "" {
		env.WriteFile("sapling.yml", saplingYML)
	}
	return env
}

// RedisSaplingYML returns a configuration pointing both peers at the
// environment's Redis server.
func (env *E2EEnvironment) RedisSaplingYML(codec string, compress bool) string {
	return fmt.Sprintf(`version: "1.0"
exchange:
  batch_size: 16
  timeout: 10s
transport:
  kind: redis
  redis_url: %s
  namespace: %s
  codec: %s
  compress: %t
log:
  level: warn
`, env.RedisURL, env.Namespace, codec, compress)
}

// WriteFile writes content under the environment's directory and returns the
// full path.
func (env *E2EEnvironment) WriteFile(name, content string) string {
	p := filepath.Join(env.TmpDir, name)
	require.NoError(env.T, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(env.T, os.WriteFile(p, []byte(content), 0o644), "Failed to write %s", name)
	return p
}

// VerifyFileContent checks a file under the environment's directory.
func (env *E2EEnvironment) VerifyFileContent(name, expected string) {
	data, err := os.ReadFile(filepath.Join(env.TmpDir, name))
	require.NoError(env.T, err, "File %s should exist", name)
	require.Equal(env.T, expected, string(data), "File %s content mismatch", name)
}

// WaitForListEmpty polls until the Redis list at key has been drained (up to 10
// seconds). Mailboxes are lists; see channel.InboxKey.
func (env *E2EEnvironment) WaitForListEmpty(key string) {
	for i := 0; i < 100; i++ {
		n, err := env.Redis.LLen(env.Ctx, key).Result()
		if err == nil && n == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Fail(env.T, fmt.Sprintf("List %s was not drained within 10 seconds", key))
}
