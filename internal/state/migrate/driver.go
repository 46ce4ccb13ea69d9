// Package migrate runs one-way schema migrations against the State Store's
// MongoDB backend, advancing between state.SchemaV2 and state.SchemaV3
// (spec §6). It follows pkg/database's golang-migrate/migrate/v4 idiom
// (embedded migration files run through a migrate.Migrate instance driven
// by a Driver implementation) but supplies its own database.Driver instead
// of the library's bundled mongodb driver, since that driver targets the
// v1 mongo-driver client and the State Store is built on
// go.mongodb.org/mongo-driver/v2.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	versionCollection = "sibyl_schema_migrations"
	lockCollection    = "sibyl_schema_migrations_lock"
	versionDocID      = "current"
	opTimeout         = 10 * time.Second
)

// step is one imperative operation a migration file requests. Migrations in
// this package are JSON documents (a list of steps) rather than SQL, since
// the target is MongoDB collections, not a relational schema.
type step struct {
	Collection string         `json:"collection"`
	Op         string         `json:"op"` // "create_index" | "set_default_field"
	Keys       bson.D         `json:"keys,omitempty"`
	Unique     bool           `json:"unique,omitempty"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
}

// mongoDriver implements golang-migrate's database.Driver against a
// mongo-driver/v2 client. Version tracking uses a single document in
// versionCollection rather than the library's bundled driver's collection
// layout, since that layout is an implementation detail private to this
// adapter.
type mongoDriver struct {
	client *mongodriver.Client
	dbName string
}

// NewDriver wraps client for use with golang-migrate, operating against
// database dbName.
func NewDriver(client *mongodriver.Client, dbName string) database.Driver {
	return &mongoDriver{client: client, dbName: dbName}
}

func (d *mongoDriver) db() *mongodriver.Database {
	return d.client.Database(d.dbName)
}

// Open is required by database.Driver's URL-based construction path. This
// adapter is always built via NewDriver with an already-connected client,
// so Open is unused in practice.
func (d *mongoDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("migrate: Open is unsupported, construct via NewDriver")
}

func (d *mongoDriver) Close() error { return nil }

// Lock takes an advisory lock via an upsert with a uniqueness constraint,
// mirroring golang-migrate's locking drivers' "insert-only-if-absent"
// pattern without requiring a dedicated locking library.
func (d *mongoDriver) Lock() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := d.db().Collection(lockCollection).InsertOne(ctx, bson.M{"_id": "lock", "locked_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("migrate: acquire lock: %w", err)
	}
	return nil
}

func (d *mongoDriver) Unlock() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := d.db().Collection(lockCollection).DeleteOne(ctx, bson.M{"_id": "lock"})
	if err != nil {
		return fmt.Errorf("migrate: release lock: %w", err)
	}
	return nil
}

// Run executes one migration file's steps against the database.
func (d *mongoDriver) Run(migration io.Reader) error {
	payload, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("migrate: read migration: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	var steps []step
	if err := json.Unmarshal(payload, &steps); err != nil {
		return fmt.Errorf("migrate: parse migration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for _, s := range steps {
		coll := d.db().Collection(s.Collection)
		switch s.Op {
		case "create_index":
			idx := mongodriver.IndexModel{Keys: s.Keys}
			if s.Unique {
				idx.Options = options.Index().SetUnique(true)
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return fmt.Errorf("migrate: create_index on %s: %w", s.Collection, err)
			}
		case "set_default_field":
			filter := bson.M{}
			for k, v := range s.Filter {
				filter[k] = v
			}
			if _, ok := filter[s.Field]; !ok {
				filter[s.Field] = bson.M{"$exists": false}
			}
			update := bson.M{"$set": bson.M{s.Field: s.Value}}
			if _, err := coll.UpdateMany(ctx, filter, update); err != nil {
				return fmt.Errorf("migrate: set_default_field on %s: %w", s.Collection, err)
			}
		default:
			return fmt.Errorf("migrate: unknown step op %q", s.Op)
		}
	}
	return nil
}

type versionDoc struct {
	ID      string `bson:"_id"`
	Version int    `bson:"version"`
	Dirty   bool   `bson:"dirty"`
}

func (d *mongoDriver) SetVersion(version int, dirty bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := d.db().Collection(versionCollection).ReplaceOne(ctx,
		bson.M{"_id": versionDocID},
		versionDoc{ID: versionDocID, Version: version, Dirty: dirty},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("migrate: set version: %w", err)
	}
	return nil
}

func (d *mongoDriver) Version() (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var doc versionDoc
	err := d.db().Collection(versionCollection).FindOne(ctx, bson.M{"_id": versionDocID}).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return database.NilVersion, false, nil
		}
		return 0, false, fmt.Errorf("migrate: read version: %w", err)
	}
	return doc.Version, doc.Dirty, nil
}

// Drop removes every collection this driver knows how to touch. Used only
// by test teardown paths, never by the one-way Up runner.
func (d *mongoDriver) Drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return d.db().Drop(ctx)
}

var _ database.Driver = (*mongoDriver)(nil)
