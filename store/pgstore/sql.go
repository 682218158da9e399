package pgstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klipach/devconnect/store"
)

const schema = `
CREATE SEQUENCE IF NOT EXISTS documents_version_seq;

CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	created BIGINT NOT NULL DEFAULT nextval('documents_version_seq'),
	version BIGINT NOT NULL DEFAULT nextval('documents_version_seq'),
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);

CREATE OR REPLACE FUNCTION notify_document_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + notifyChannel + `', COALESCE(NEW.collection, OLD.collection));
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS documents_notify ON documents;
CREATE TRIGGER documents_notify AFTER INSERT OR UPDATE OR DELETE ON documents
	FOR EACH ROW EXECUTE FUNCTION notify_document_change();
`

const (
	notifyChannel = "document_changes"

	// serverNow renders the database clock in store.TextTimeLayout.
	serverNow = `to_jsonb(to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US'))`

	upsertSQL = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb || (SELECT COALESCE(jsonb_object_agg(f, ` + serverNow + `), '{}'::jsonb) FROM unnest($4::text[]) AS f))
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, version = nextval('documents_version_seq')`

	insertSQL = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb || (SELECT COALESCE(jsonb_object_agg(f, ` + serverNow + `), '{}'::jsonb) FROM unnest($4::text[]) AS f))
ON CONFLICT (collection, id) DO NOTHING`

	getSQL = `SELECT id, data, version FROM documents WHERE collection = $1 AND id = $2`
)

// encodeFields splits server timestamp sentinels from the literal fields and renders the rest as JSON.
func encodeFields(fields map[string]any) ([]byte, []string, error) {
	literal := make(map[string]any, len(fields))
	var stamped []string
	for k, v := range fields {
		if store.IsServerTimestamp(v) {
			stamped = append(stamped, k)
			continue
		}
		literal[k] = encodeValue(v)
	}
	data, err := json.Marshal(literal)
	if err != nil {
		return nil, nil, err
	}
	return data, stamped, nil
}

func encodeValue(v any) any {
	switch vv := v.(type) {
	case time.Time:
		return vv.UTC().Format(store.TextTimeLayout)
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = encodeValue(e)
		}
		return out
	}
	return v
}

// buildUpdate renders a single UPDATE statement so that every field change, array unions included,
// is applied atomically to the row.
func buildUpdate(collection, id string, updates []store.Update) (string, []any, error) {
	args := []any{collection, id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	expr := "data"
	for _, u := range updates {
		path := arg(u.Path)
		current := fmt.Sprintf("COALESCE(data->%s::text, '[]'::jsonb)", path)
		var value string
		switch vv := u.Value.(type) {
		case store.ArrayUnionValue:
			elems, err := json.Marshal(encodeValue(vv.Elems))
			if err != nil {
				return "", nil, err
			}
			e := arg(string(elems))
			value = fmt.Sprintf(
				"%s || COALESCE((SELECT jsonb_agg(DISTINCT v) FROM jsonb_array_elements(%s::jsonb) v WHERE NOT %s @> jsonb_build_array(v)), '[]'::jsonb)",
				current, e, current,
			)
		case store.ArrayRemoveValue:
			elems, err := json.Marshal(encodeValue(vv.Elems))
			if err != nil {
				return "", nil, err
			}
			e := arg(string(elems))
			value = fmt.Sprintf(
				"COALESCE((SELECT jsonb_agg(v) FROM jsonb_array_elements(%s) v WHERE NOT %s::jsonb @> jsonb_build_array(v)), '[]'::jsonb)",
				current, e,
			)
		default:
			if store.IsServerTimestamp(u.Value) {
				value = serverNow
				break
			}
			raw, err := json.Marshal(encodeValue(u.Value))
			if err != nil {
				return "", nil, err
			}
			value = arg(string(raw)) + "::jsonb"
		}
		expr = fmt.Sprintf("jsonb_set(%s, ARRAY[%s::text], %s, true)", expr, path, value)
	}

	sql := fmt.Sprintf(
		"UPDATE documents SET data = %s, version = nextval('documents_version_seq') WHERE collection = $1 AND id = $2",
		expr,
	)
	return sql, args, nil
}

// buildQuery translates equality and array-containment filters into JSONB containment, which the
// GIN index serves. Range filters and ordering compare the text form with byte ordering.
func buildQuery(q store.Query) (string, []any, error) {
	args := []any{q.Collection}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, data, version FROM documents WHERE collection = $1")
	for _, f := range q.Filters {
		switch f.Op {
		case store.OpEqual:
			raw, err := json.Marshal(map[string]any{f.Field: encodeValue(f.Value)})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, " AND data @> %s::jsonb", arg(string(raw)))
		case store.OpArrayContains:
			raw, err := json.Marshal(map[string]any{f.Field: []any{encodeValue(f.Value)}})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, " AND data @> %s::jsonb", arg(string(raw)))
		case store.OpGreaterOrEqual:
			bound, ok := encodeValue(f.Value).(string)
			if !ok {
				return "", nil, fmt.Errorf("unsupported range value %T for %s", f.Value, f.Field)
			}
			fmt.Fprintf(&sb, ` AND (data->>%s::text) COLLATE "C" >= %s`, arg(f.Field), arg(bound))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	if q.OrderBy != "" {
		field := arg(q.OrderBy)
		fmt.Fprintf(&sb, ` AND data ? %s::text ORDER BY (data->>%s::text) COLLATE "C", created`, field, field)
	} else {
		sb.WriteString(" ORDER BY id")
	}
	return sb.String(), args, nil
}
