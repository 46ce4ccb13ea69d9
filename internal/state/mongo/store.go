// Package mongo implements state.Store on top of MongoDB.
//
// It follows the collection-wrapper idiom of the teacher's
// features/session/mongo/clients/mongo package: a thin client struct holding
// *mongo.Collection handles, an ensureIndexes bootstrap, a withTimeout
// helper bounding every operation, and bson-tagged document types kept
// separate from the state package's plain Go structs. The rotation CAS
// (spec §4.F.3, §4.B) generalizes the teacher's idempotent
// $setOnInsert-guarded upsert into a true compare-and-swap: the filter
// includes the expected active_generation, and a ModifiedCount of zero means
// another rotation already won the race.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/sibylhq/sibyl/internal/state"
)

const (
	defaultConversations = "sibyl_conversations"
	defaultConfigs       = "sibyl_config_snapshots"
	defaultSessions      = "sibyl_sessions"
	defaultRotations     = "sibyl_session_rotations"
	defaultCalls         = "sibyl_subagent_calls"
	defaultUsage         = "sibyl_session_token_usage"
	defaultCheckpoints   = "sibyl_phase_checkpoints"
	defaultOpTimeout     = 5 * time.Second
	clientName           = "state-mongo"
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements state.Store against MongoDB collections.
type Store struct {
	mongo         *mongodriver.Client
	conversations *mongodriver.Collection
	configs       *mongodriver.Collection
	sessions      *mongodriver.Collection
	rotations     *mongodriver.Collection
	calls         *mongodriver.Collection
	usage         *mongodriver.Collection
	checkpoints   *mongodriver.Collection
	timeout       time.Duration
}

// New returns a Store backed by MongoDB, creating required indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:         opts.Client,
		conversations: db.Collection(defaultConversations),
		configs:       db.Collection(defaultConfigs),
		sessions:      db.Collection(defaultSessions),
		rotations:     db.Collection(defaultRotations),
		calls:         db.Collection(defaultCalls),
		usage:         db.Collection(defaultUsage),
		checkpoints:   db.Collection(defaultCheckpoints),
		timeout:       timeout,
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ictx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger, satisfying the health contract of spec §6
// ("/ready returns ready iff State Store ... reachable").
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Store)(nil)

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	idx := []struct {
		coll *mongodriver.Collection
		mdl  mongodriver.IndexModel
	}{
		{s.conversations, mongodriver.IndexModel{Keys: bson.D{{Key: "conversation_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.configs, mongodriver.IndexModel{Keys: bson.D{{Key: "version", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.sessions, mongodriver.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.sessions, mongodriver.IndexModel{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "status", Value: 1}}}},
		{s.calls, mongodriver.IndexModel{Keys: bson.D{{Key: "call_key", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.calls, mongodriver.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.usage, mongodriver.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "turn_id", Value: 1}}}},
		{s.checkpoints, mongodriver.IndexModel{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "phase", Value: 1}}, Options: options.Index().SetUnique(true)}},
	}
	for _, i := range idx {
		if _, err := i.coll.Indexes().CreateOne(ctx, i.mdl); err != nil {
			return err
		}
	}
	return nil
}
