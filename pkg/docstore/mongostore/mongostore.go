// Package mongostore implements docstore.Service on MongoDB.
//
// Collections map one to one, the document id is stored as _id. Field
// mutations run as single pipeline updates so that floors and ordered array
// unions stay atomic. Transactions and change streams need a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/logger"
)

const idKey = "_id"

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    logger.Logger
}

type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

var _ docstore.Service = (*Store)(nil)

// Open connects to uri and pings the deployment.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	copts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(copts)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", mapError(err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping MongoDB: %w", mapError(err))
	}
	s := &Store{client: client, db: client.Database(database), log: logger.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// EnsureIndexes creates the indexes the engine's queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		constants.MessagesCollection: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		constants.ReadCursorsCollection: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}}},
		},
	}
	for name, idx := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, mapError(err))
		}
	}
	return nil
}

func (s *Store) coll(name string) *mongo.Collection { return s.db.Collection(name) }

func byID(id string) bson.D { return bson.D{{Key: idKey, Value: id}} }

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	var doc bson.M
	err := s.coll(collection).FindOne(ctx, byID(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	snap, err := toSnapshot(doc)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	doc, err := document(id, fields)
	if err != nil {
		return err
	}
	_, err = s.coll(collection).ReplaceOne(ctx, byID(id), doc, options.Replace().SetUpsert(true))
	return mapError(err)
}

func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := uuid.NewString()
	doc, err := document(id, fields)
	if err != nil {
		return "", err
	}
	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		return "", mapError(err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, ops ...docstore.Mutation) error {
	pipeline, err := updatePipeline(ops)
	if err != nil {
		return err
	}
	res, err := s.coll(collection).UpdateOne(ctx, byID(id), pipeline)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, constants.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	return s.find(ctx, collection, bson.D{}, options.Find())
}

func (s *Store) find(ctx context.Context, collection string, filter bson.D, opts *options.FindOptionsBuilder) ([]docstore.Snapshot, error) {
	cur, err := s.coll(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError(err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapError(err)
	}
	out := make([]docstore.Snapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := toSnapshot(d)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
