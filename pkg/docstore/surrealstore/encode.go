package surrealstore

import (
	"fmt"
	"strings"

	sdbmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/trybe-app/trybesync/pkg/docstore"
)

// body normalizes fields and stamps a fresh revision.
func body(fields docstore.Fields) (docstore.Fields, error) {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return nil, err
	}
	delete(norm, docstore.IDField)
	norm[revField] = newRev()
	return norm, nil
}

// buildSet renders mutations as the SET clause of an UPDATE statement. Values
// travel as parameters; field names are checked identifiers.
func buildSet(ops []docstore.Mutation) (string, map[string]any, error) {
	vars := make(map[string]any, len(ops)+1)
	clauses := make([]string, 0, len(ops)+1)
	for i, op := range ops {
		if op.Field == docstore.IDField || op.Field == revField {
			return "", nil, fmt.Errorf("%s: reserved field %q", op.Kind, op.Field)
		}
		if err := checkIdent(op.Field); err != nil {
			return "", nil, err
		}
		p := fmt.Sprintf("p%d", i)
		switch op.Kind {
		case docstore.SetKind:
			v, err := docstore.NormalizeValue(op.Value)
			if err != nil {
				return "", nil, err
			}
			vars[p] = v
			clauses = append(clauses, fmt.Sprintf("%s = $%s", op.Field, p))
		case docstore.IncrementKind:
			vars[p] = op.Delta
			if op.HasFloor {
				vars[p+"_floor"] = op.Floor
				clauses = append(clauses, fmt.Sprintf("%[1]s = math::max([(%[1]s ?? 0) + $%[2]s, $%[2]s_floor])", op.Field, p))
			} else {
				clauses = append(clauses, fmt.Sprintf("%[1]s = (%[1]s ?? 0) + $%[2]s", op.Field, p))
			}
		case docstore.ArrayUnionKind, docstore.ArrayRemoveKind:
			vals, err := docstore.NormalizeValue(op.Values)
			if err != nil {
				return "", nil, err
			}
			vars[p] = vals
			fn := "array::union"
			if op.Kind == docstore.ArrayRemoveKind {
				fn = "array::complement"
			}
			clauses = append(clauses, fmt.Sprintf("%[1]s = %[2]s(%[1]s ?? [], $%[3]s)", op.Field, fn, p))
		default:
			return "", nil, fmt.Errorf("unsupported mutation %s", op.Kind)
		}
	}
	vars["rev"] = newRev()
	clauses = append(clauses, revField+" = $rev")
	return strings.Join(clauses, ", "), vars, nil
}

// toSnapshot splits a record into its id, revision and normalized body.
func toSnapshot(row map[string]any) (docstore.Snapshot, string, error) {
	id, err := recordKey(row[docstore.IDField])
	if err != nil {
		return docstore.Snapshot{}, "", err
	}
	rev, _ := row[revField].(string)
	fields := make(docstore.Fields, len(row))
	for k, v := range row {
		if k == docstore.IDField || k == revField {
			continue
		}
		fields[k] = v
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return docstore.Snapshot{}, "", err
	}
	return docstore.Snapshot{ID: id, Fields: norm}, rev, nil
}

func toSnapshots(rows []map[string]any) ([]docstore.Snapshot, error) {
	out := make([]docstore.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, _, err := toSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// recordKey extracts the document id from a record id in any of the shapes
// the codec may produce.
func recordKey(v any) (string, error) {
	switch id := v.(type) {
	case sdbmodels.RecordID:
		return fmt.Sprint(id.ID), nil
	case *sdbmodels.RecordID:
		if id == nil {
			break
		}
		return fmt.Sprint(id.ID), nil
	case string:
		if _, key, ok := strings.Cut(id, ":"); ok {
			return strings.Trim(key, "⟨⟩`"), nil
		}
		return id, nil
	}
	return "", fmt.Errorf("surrealstore: record without id (%T)", v)
}
