package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
)

// watch opens a change stream on collection filtered by match and publishes
// load's result up front and after every change.
func (s *Store) watch(ctx context.Context, collection string, match bson.D, load func(context.Context) ([]docstore.Snapshot, error)) (docstore.Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}
	stream, err := s.coll(collection).Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, mapError(err)
	}
	initial, err := load(ctx)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	feed := docstore.NewFeed(func() error {
		cancel()
		return nil
	})
	feed.Publish(docstore.Event{Snapshots: initial})

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(sctx) {
			snaps, err := load(sctx)
			if err != nil {
				if !feed.Closed() {
					feed.Fail(err)
				}
				return
			}
			feed.Publish(docstore.Event{Snapshots: snaps})
		}
		if feed.Closed() || errors.Is(sctx.Err(), context.Canceled) {
			return
		}
		err := stream.Err()
		if err == nil {
			err = fmt.Errorf("%w: change stream ended", constants.ErrNetworkFailure)
		}
		s.log.Warn("mongostore change stream ended", "collection", collection, "error", err)
		feed.Fail(mapError(err))
	}()
	return feed, nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (docstore.Subscription, error) {
	return s.watch(ctx, collection, bson.D{{Key: "documentKey._id", Value: id}},
		func(ctx context.Context) ([]docstore.Snapshot, error) {
			snap, err := s.Get(ctx, collection, id)
			if errors.Is(err, constants.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return []docstore.Snapshot{*snap}, nil
		})
}

// WatchQuery reloads on deletes too, since a deleted document carries no
// field to match on.
func (s *Store) WatchQuery(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	eq, err := docstore.NormalizeValue(q.Equals)
	if err != nil {
		return nil, err
	}
	match := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument." + q.Field, Value: eq}},
		bson.D{{Key: "operationType", Value: "delete"}},
	}}}
	filter := bson.D{{Key: q.Field, Value: eq}}
	// newest first so that a limit keeps the latest documents
	opts := options.Find()
	if q.OrderBy != "" {
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: -1}, {Key: idKey, Value: -1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return s.watch(ctx, q.Collection, match, func(ctx context.Context) ([]docstore.Snapshot, error) {
		snaps, err := s.find(ctx, q.Collection, filter, opts)
		if err != nil {
			return nil, err
		}
		docstore.SortSnapshots(snaps, q.OrderBy)
		return snaps, nil
	})
}
