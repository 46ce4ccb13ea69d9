package cache

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestNewRequiresRedisClient(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)
}

func TestKeyHashIsDeterministicAndSensitiveToInputs(t *testing.T) {
	t.Parallel()
	base := Key{
		PromptRef:           "sha256:abc",
		ModelName:           "test-model",
		Temperature:         0.2,
		TopP:                0.9,
		SystemPrompt:        "be terse",
		ProviderFingerprint: "anthropic-v1",
	}
	other := base
	other.ModelName = "other-model"

	require.Equal(t, base.hash(), base.hash())
	require.NotEqual(t, base.hash(), other.hash())
}

func TestMemoizerMissThenPutThenHit(t *testing.T) {
	t.Parallel()
	client := getRedis(t)
	m, err := New(Options{Redis: client})
	require.NoError(t, err)

	key := Key{PromptRef: "sha256:abc", ModelName: "test-model", ProviderFingerprint: "anthropic-v1"}

	_, ok, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Put(context.Background(), key, "sha256:response"))

	ref, ok, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sha256:response", ref)
}

func TestMemoizerLocalLRUServesWithoutRedisRoundTrip(t *testing.T) {
	t.Parallel()
	client := getRedis(t)
	m, err := New(Options{Redis: client, MaxEntries: 8})
	require.NoError(t, err)

	key := Key{PromptRef: "sha256:def", ModelName: "test-model"}
	require.NoError(t, m.Put(context.Background(), key, "sha256:cached"))

	require.NoError(t, client.FlushDB(context.Background()).Err())

	ref, ok, err := m.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sha256:cached", ref)
}
