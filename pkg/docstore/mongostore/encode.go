package mongostore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/trybe-app/trybesync/pkg/docstore"
)

// document normalizes fields into a BSON document keyed by id.
func document(id string, fields docstore.Fields) (bson.M, error) {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return nil, err
	}
	doc := make(bson.M, len(norm)+1)
	for k, v := range norm {
		if k == docstore.IDField || k == idKey {
			continue
		}
		doc[k] = v
	}
	doc[idKey] = id
	return doc, nil
}

func toSnapshot(doc bson.M) (docstore.Snapshot, error) {
	id, ok := doc[idKey].(string)
	if !ok {
		return docstore.Snapshot{}, fmt.Errorf("mongostore: document without string _id (%T)", doc[idKey])
	}
	fields := make(docstore.Fields, len(doc))
	for k, v := range doc {
		if k == idKey {
			continue
		}
		fields[k] = v
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return docstore.Snapshot{ID: id, Fields: norm}, nil
}

func ifNull(field string, def any) bson.M {
	return bson.M{"$ifNull": bson.A{"$" + field, def}}
}

func notIn(elem string, arr any) bson.M {
	return bson.M{"$not": bson.A{bson.M{"$in": bson.A{elem, arr}}}}
}

// updatePipeline renders mutations as an aggregation pipeline update, one
// $set stage per mutation so that later ones observe earlier ones.
func updatePipeline(ops []docstore.Mutation) ([]bson.D, error) {
	stages := make([]bson.D, 0, len(ops))
	for _, op := range ops {
		if op.Field == "" || op.Field == docstore.IDField || op.Field == idKey || op.Field[0] == '$' {
			return nil, fmt.Errorf("%s: invalid field %q", op.Kind, op.Field)
		}
		var expr any
		switch op.Kind {
		case docstore.SetKind:
			v, err := docstore.NormalizeValue(op.Value)
			if err != nil {
				return nil, err
			}
			expr = bson.M{"$literal": v}
		case docstore.IncrementKind:
			sum := bson.M{"$add": bson.A{ifNull(op.Field, 0), op.Delta}}
			if op.HasFloor {
				expr = bson.M{"$max": bson.A{sum, op.Floor}}
			} else {
				expr = sum
			}
		case docstore.ArrayUnionKind:
			vals, err := docstore.NormalizeValue(op.Values)
			if err != nil {
				return nil, err
			}
			cur := ifNull(op.Field, bson.A{})
			expr = bson.M{"$concatArrays": bson.A{
				cur,
				bson.M{"$filter": bson.M{
					"input": bson.M{"$literal": vals},
					"cond":  notIn("$$this", cur),
				}},
			}}
		case docstore.ArrayRemoveKind:
			vals, err := docstore.NormalizeValue(op.Values)
			if err != nil {
				return nil, err
			}
			expr = bson.M{"$filter": bson.M{
				"input": ifNull(op.Field, bson.A{}),
				"cond":  notIn("$$this", bson.M{"$literal": vals}),
			}}
		default:
			return nil, fmt.Errorf("unsupported mutation %s", op.Kind)
		}
		stages = append(stages, bson.D{{Key: "$set", Value: bson.D{{Key: op.Field, Value: expr}}}})
	}
	return stages, nil
}
