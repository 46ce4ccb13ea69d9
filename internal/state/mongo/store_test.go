package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/sibylhq/sibyl/internal/state"
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
		fmt.Printf("Docker not available, state/mongo integration tests will be skipped: %v\n", err)
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	dbName := fmt.Sprintf("sibyl_test_%d", testDBCounter())
	store, err := New(context.Background(), Options{Client: testClient, Database: dbName})
	require.NoError(t, err)
	return store
}

var dbCounter int

func testDBCounter() int {
	dbCounter++
	return dbCounter
}

func TestStorePing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
	require.Equal(t, clientName, store.Name())
}

func TestStoreCreateAndLoadConversation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	conv := state.Conversation{
		ID:            "conv-1",
		WorkflowType:  "test",
		Status:        state.ConversationRunning,
		TokenBudget:   1000,
		ConfigVersion: "v1",
	}
	sess := state.Session{
		ID:             "conv-1-session-1",
		ConversationID: "conv-1",
		SessionNumber:  1,
		TokensBudget:   1000,
		Status:         state.SessionActive,
		ModelName:      "test-model",
	}
	err := store.CreateConversation(context.Background(), state.NewConversationInput{
		Conversation: conv,
		Session:      sess,
		Config:       state.ConfigSnapshot{Version: "v1", JSON: []byte(`{}`)},
	})
	require.NoError(t, err)

	loaded, err := store.LoadConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, state.ConversationRunning, loaded.Status)
	require.Equal(t, int64(1000), loaded.TokenBudget)

	loadedSess, err := store.LoadActiveSession(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1-session-1", loadedSess.ID)
}

func TestStoreUpdateConversationStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	err := store.CreateConversation(context.Background(), state.NewConversationInput{
		Conversation: state.Conversation{
			ID:            "conv-2",
			WorkflowType:  "test",
			Status:        state.ConversationRunning,
			TokenBudget:   1000,
			ConfigVersion: "v1",
		},
		Session: state.Session{
			ID:             "conv-2-session-1",
			ConversationID: "conv-2",
			SessionNumber:  1,
			TokensBudget:   1000,
			Status:         state.SessionActive,
			ModelName:      "test-model",
		},
		Config: state.ConfigSnapshot{Version: "v1", JSON: []byte(`{}`)},
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateConversationStatus(context.Background(), "conv-2", state.ConversationCompleted, nil))

	loaded, err := store.LoadConversation(context.Background(), "conv-2")
	require.NoError(t, err)
	require.Equal(t, state.ConversationCompleted, loaded.Status)
}
