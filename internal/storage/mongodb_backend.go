package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBackend stores one document per token in a tokens collection and
// implements named locks with a locks collection whose entries expire.
type MongoBackend struct {
	client   *mongo.Client
	database string
}

// NewMongoBackend creates a MongoDB storage backend.
func NewMongoBackend(ctx context.Context, uri, database string) (*MongoBackend, error) {
	if database == "" {
		database = "grok2api"
	}
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(20)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, &Error{Backend: "mongodb", Op: "open", Err: err}
	}
	return &MongoBackend{client: client, database: database}, nil
}

func (m *MongoBackend) tokens() *mongo.Collection {
	return m.client.Database(m.database).Collection("tokens")
}

func (m *MongoBackend) locks() *mongo.Collection {
	return m.client.Database(m.database).Collection("locks")
}

func (m *MongoBackend) Initialize(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return &Error{Backend: "mongodb", Op: "initialize", Err: err}
	}
	_, err := m.tokens().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "pool", Value: 1}},
	})
	if err != nil {
		return &Error{Backend: "mongodb", Op: "initialize", Err: err}
	}
	return nil
}

func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoBackend) Health(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoBackend) LoadTokens(ctx context.Context) (Snapshot, error) {
	cur, err := m.tokens().Find(ctx, bson.D{})
	if err != nil {
		return nil, &Error{Backend: "mongodb", Op: "load", Err: err}
	}
	defer cur.Close(ctx)

	snap := Snapshot{}
	for cur.Next(ctx) {
		var doc struct {
			Pool string `bson:"pool"`
			Data string `bson:"data"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, &Error{Backend: "mongodb", Op: "load", Err: err}
		}
		snap[doc.Pool] = append(snap[doc.Pool], Record(doc.Data))
	}
	if err := cur.Err(); err != nil {
		return nil, &Error{Backend: "mongodb", Op: "load", Err: err}
	}
	return snap, nil
}

func (m *MongoBackend) SaveTokens(ctx context.Context, snap Snapshot) error {
	now := time.Now().UnixMilli()
	docs := make([]interface{}, 0)
	for poolName, records := range snap {
		for _, rec := range records {
			key := recordKey(rec)
			if key == "" {
				continue
			}
			docs = append(docs, bson.D{
				{Key: "_id", Value: key},
				{Key: "pool", Value: poolName},
				{Key: "data", Value: string(rec)},
				{Key: "updated_at", Value: now},
			})
		}
	}

	coll := m.tokens()
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return &Error{Backend: "mongodb", Op: "save", Err: err}
	}
	if len(docs) > 0 {
		if _, err := coll.InsertMany(ctx, docs); err != nil {
			return &Error{Backend: "mongodb", Op: "save", Err: err}
		}
	}
	return nil
}

// AcquireLock inserts a lock document keyed by name. A stale document left by
// a crashed holder is stolen once its expiry passes.
func (m *MongoBackend) AcquireLock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	owner := uuid.NewString()
	coll := m.locks()

	err := pollLock(ctx, timeout, func() (bool, error) {
		now := time.Now().UnixMilli()
		expires := now + lockTTL.Milliseconds()

		// claim either a missing lock or one past its expiry
		filter := bson.D{
			{Key: "_id", Value: name},
			{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}},
		}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "owner", Value: owner},
			{Key: "expires_at", Value: expires},
		}}}
		res, err := coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return false, &Error{Backend: "mongodb", Op: "lock", Err: err}
		}
		if res.ModifiedCount > 0 {
			return true, nil
		}

		_, err = coll.InsertOne(ctx, bson.D{
			{Key: "_id", Value: name},
			{Key: "owner", Value: owner},
			{Key: "expires_at", Value: expires},
		})
		if err == nil {
			return true, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, &Error{Backend: "mongodb", Op: "lock", Err: err}
	})
	if err != nil {
		return nil, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = coll.DeleteOne(releaseCtx, bson.D{
			{Key: "_id", Value: name},
			{Key: "owner", Value: owner},
		})
	}
	return release, nil
}
