// Package mongodb stores watermarks as one document per resource in a
// MongoDB collection.
package mongodb

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// DefaultDatabase is used when no database is configured.
const DefaultDatabase = "tapstripe"

// Store is a state.Store backed by a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri and selects database.collection.
func Open(ctx context.Context, uri, database, collection string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "connect to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeState, "ping mongodb")
	}
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, resource string) (string, bool, error) {
	var entry state.Entry
	err := s.collection.FindOne(ctx, bson.M{"_id": resource}).Decode(&entry)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "read watermark").WithDetail("resource", resource)
	}
	return entry.Watermark, true, nil
}

// Set implements state.Store.
func (s *Store) Set(ctx context.Context, resource string, end int64) error {
	update := bson.M{"$set": bson.M{
		"watermark":  state.FormatWatermark(end),
		"updated_at": time.Now().UTC(),
	}}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": resource}, update, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "write watermark").WithDetail("resource", resource)
	}
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func init() {
	_ = state.Register("mongodb", func(ctx context.Context, cfg state.Config) (state.Store, error) {
		if cfg.DSN == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "mongodb state backend requires state.dsn")
		}
		database := cfg.Database
		if database == "" {
			database = DefaultDatabase
		}
		collection := cfg.Collection
		if collection == "" {
			collection = state.DefaultTable
		}
		return Open(ctx, cfg.DSN, database, collection)
	})
}
