// Package store defines the document store contract shared by the chat core and its backends.
//
// A backend offers point reads and writes by collection and id, equality and array-containment
// queries, live subscriptions and atomic single-document array mutations. Nothing in the core relies
// on cross-document transactions.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable   = errors.New("store unavailable")
	ErrAlreadyExists = errors.New("document already exists")
	ErrNoDocument    = errors.New("no such document")
)

type Op string

const (
	OpEqual          Op = "=="
	OpArrayContains  Op = "array-contains"
	OpGreaterOrEqual Op = ">="
)

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Document is a point-in-time copy of a stored document.
type Document struct {
	ID   string
	Data map[string]any
}

func (d *Document) Exists() bool {
	return d != nil && d.Data != nil
}

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Query struct {
	Collection string
	Filters    []Filter
	// OrderBy sorts ascending by the field; ties are broken by a backend-defined stable key.
	OrderBy string
}

func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Ordered(field string) Query {
	q.OrderBy = field
	return q
}

func QueryEquals(collection, field string, value any) Query {
	return Query{Collection: collection}.Where(field, OpEqual, value)
}

func QueryArrayContains(collection, field string, value any) Query {
	return Query{Collection: collection}.Where(field, OpArrayContains, value)
}

type Change struct {
	Kind ChangeKind
	Doc  *Document
}

// Snapshot is the full matching set after a change plus the per-document differences that led to it.
// The first snapshot of a subscription reports every matching document as Added.
type Snapshot struct {
	Docs    []*Document
	Changes []Change
}

// Disposer stops a subscription. Calling it more than once is allowed.
type Disposer func()

type Update struct {
	Path  string
	Value any
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's own clock when the write is applied.
var ServerTimestamp any = serverTimestamp{}

func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ArrayUnionValue adds elements not already present to an array field.
type ArrayUnionValue struct {
	Elems []any
}

// ArrayRemoveValue removes every occurrence of the elements from an array field.
type ArrayRemoveValue struct {
	Elems []any
}

func ArrayUnion(elems ...any) ArrayUnionValue {
	return ArrayUnionValue{Elems: elems}
}

func ArrayRemove(elems ...any) ArrayRemoveValue {
	return ArrayRemoveValue{Elems: elems}
}

type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	Create(ctx context.Context, collection, id string, fields map[string]any) error
	Update(ctx context.Context, collection, id string, updates ...Update) error
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
	// Subscribe invokes fn with the current matching set and again after every change until the
	// returned Disposer is called or ctx is done. Callbacks of one subscription never overlap.
	Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (Disposer, error)
}

// Strings reads a string array field regardless of how the backend materialized it.
func Strings(v any) []string {
	switch vv := v.(type) {
	case []string:
		out := make([]string, len(vv))
		copy(out, vv)
		return out
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time reads a timestamp field stored either natively or as RFC 3339 text.
func Time(v any) time.Time {
	switch vv := v.(type) {
	case time.Time:
		return vv
	case *time.Time:
		if vv != nil {
			return *vv
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, TextTimeLayout} {
			if t, err := time.Parse(layout, vv); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// TextTimeLayout is the UTC, offset-free layout used by backends that store timestamps as text.
// Its byte order matches chronological order.
const TextTimeLayout = "2006-01-02T15:04:05.000000"

func String(v any) string {
	s, _ := v.(string)
	return s
}
