package migrate

import (
	"context"
	"fmt"
	"os"
	"testing"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

var (
	testClient      *mongodriver.Client
	testContainer   *mongodb.MongoDBContainer
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		fmt.Printf("Docker not available, migrate integration tests will be skipped: %v\n", err)
		skipIntegration = true
	} else {
		testContainer = container
		connStr, err := container.ConnectionString(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			client, err := mongodriver.Connect(options.Client().ApplyURI(connStr))
			if err != nil {
				skipIntegration = true
			} else {
				testClient = client
			}
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Disconnect(context.Background())
	}
	if testContainer != nil {
		_ = testContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func requireMongo(t *testing.T) {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
}

func TestRunnerAppliesMigrationsAndIsIdempotent(t *testing.T) {
	requireMongo(t)

	runner, err := New(testClient, "sibyl_migrate_test")
	require.NoError(t, err)

	require.NoError(t, runner.Up())

	version, dirty, err := runner.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(3), version)

	// Re-running Up against an already-migrated database must be a no-op,
	// not an error (migrate.ErrNoChange).
	require.NoError(t, runner.Up())

	db := testClient.Database("sibyl_migrate_test")
	_ = db
}

func TestRunnerBackfillsDefaultFields(t *testing.T) {
	requireMongo(t)

	dbName := "sibyl_migrate_test_backfill"
	db := testClient.Database(dbName)
	_, err := db.Collection("sibyl_sessions").InsertOne(context.Background(), map[string]any{
		"session_id": "sess-without-flags",
	})
	require.NoError(t, err)

	runner, err := New(testClient, dbName)
	require.NoError(t, err)
	require.NoError(t, runner.Up())

	var doc map[string]any
	err = db.Collection("sibyl_sessions").FindOne(context.Background(), map[string]any{"session_id": "sess-without-flags"}).Decode(&doc)
	require.NoError(t, err)
	require.Equal(t, false, doc["rotation_in_progress"])
	require.Equal(t, false, doc["summarize_fired"])
	require.Equal(t, false, doc["rotate_fired"])
}
