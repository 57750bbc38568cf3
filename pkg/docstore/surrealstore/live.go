package surrealstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	sdbmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
)

const killTimeout = 5 * time.Second

// live starts a table-wide live query. relevant filters notifications and
// load produces the state to publish; it runs once up front and again after
// every relevant notification.
func (s *Store) live(ctx context.Context, collection string, relevant func(map[string]any) bool, load func(context.Context) ([]docstore.Snapshot, error)) (docstore.Subscription, error) {
	if err := checkIdent(collection); err != nil {
		return nil, err
	}
	initial, err := load(ctx)
	if err != nil {
		return nil, err
	}
	id, err := query[sdbmodels.UUID](ctx, s.db, "LIVE SELECT * FROM "+collection, nil)
	if err != nil {
		return nil, err
	}
	liveID := id.String()
	ch, err := s.db.LiveNotifications(liveID)
	if err != nil {
		_ = surrealdb.Kill(ctx, s.db, liveID)
		return nil, mapError(err)
	}

	feed := docstore.NewFeed(func() error {
		kctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		return mapError(surrealdb.Kill(kctx, s.db, liveID))
	})
	feed.Publish(docstore.Event{Snapshots: initial})

	go func() {
		for n := range ch {
			if feed.Closed() {
				return
			}
			row, _ := n.Result.(map[string]any)
			if row != nil && !relevant(row) {
				continue
			}
			snaps, err := load(context.Background())
			if err != nil {
				s.log.Warn("surrealstore live reload failed", "collection", collection, "error", err)
				feed.Fail(err)
				return
			}
			feed.Publish(docstore.Event{Snapshots: snaps})
		}
		if !feed.Closed() {
			feed.Fail(fmt.Errorf("%w: live query %s ended", constants.ErrNetworkFailure, liveID))
		}
	}()
	return feed, nil
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (docstore.Subscription, error) {
	return s.live(ctx, collection,
		func(row map[string]any) bool {
			key, err := recordKey(row[docstore.IDField])
			return err != nil || key == id
		},
		func(ctx context.Context) ([]docstore.Snapshot, error) {
			snap, err := s.Get(ctx, collection, id)
			if err != nil {
				if errors.Is(err, constants.ErrNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return []docstore.Snapshot{*snap}, nil
		})
}

func (s *Store) WatchQuery(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	if err := checkIdent(q.Field); err != nil {
		return nil, err
	}
	if q.OrderBy != "" {
		if err := checkIdent(q.OrderBy); err != nil {
			return nil, err
		}
	}
	want, err := docstore.NormalizeValue(q.Equals)
	if err != nil {
		return nil, err
	}
	return s.live(ctx, q.Collection,
		func(row map[string]any) bool {
			got, err := docstore.NormalizeValue(row[q.Field])
			return err != nil || fmt.Sprint(got) == fmt.Sprint(want)
		},
		func(ctx context.Context) ([]docstore.Snapshot, error) {
			return s.selectQuery(ctx, q, want)
		})
}

func (s *Store) selectQuery(ctx context.Context, q docstore.Query, eq any) ([]docstore.Snapshot, error) {
	sql := fmt.Sprintf("SELECT * FROM type::table($tb) WHERE %s = $eq", q.Field)
	vars := map[string]any{"tb": q.Collection, "eq": eq}
	// newest first so that a limit keeps the latest records
	if q.OrderBy != "" {
		sql += " ORDER BY " + q.OrderBy + " DESC"
	}
	if q.Limit > 0 {
		sql += " LIMIT $limit"
		vars["limit"] = q.Limit
	}
	rows, err := query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, err
	}
	snaps, err := toSnapshots(rows)
	if err != nil {
		return nil, err
	}
	docstore.SortSnapshots(snaps, q.OrderBy)
	return snaps, nil
}
