package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/klipach/devconnect/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is the production Store backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (*Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &Document{ID: id}, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return fromSnapshot(snap), nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := f.client.Collection(collection).Doc(id).Set(ctx, toFirestoreFields(fields))
	return translateError(err)
}

func (f *Firestore) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := f.client.Collection(collection).Doc(id).Create(ctx, toFirestoreFields(fields))
	return translateError(err)
}

func (f *Firestore) Update(ctx context.Context, collection, id string, updates ...Update) error {
	fu := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		fu = append(fu, firestore.Update{Path: u.Path, Value: toFirestoreValue(u.Value)})
	}
	_, err := f.client.Collection(collection).Doc(id).Update(ctx, fu)
	return translateError(err)
}

func (f *Firestore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	ref, _, err := f.client.Collection(collection).Add(ctx, toFirestoreFields(fields))
	if err != nil {
		return "", translateError(err)
	}
	return ref.ID, nil
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]*Document, error) {
	snaps, err := f.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, translateError(err)
	}
	docs := make([]*Document, 0, len(snaps))
	for _, s := range snaps {
		docs = append(docs, fromSnapshot(s))
	}
	return docs, nil
}

// Subscribe runs a snapshot listener in its own goroutine. The listener reconnects on its own;
// a terminal error is logged and ends the subscription.
func (f *Firestore) Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (Disposer, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := f.query(q).Snapshots(ctx)
	logger := log.LoggerFromContext(ctx).With(slog.String(log.CollectionLogField, q.Collection))

	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return
				}
				logger.Error("snapshot listener stopped", slog.String(log.ErrorMsgLogField, err.Error()))
				return
			}
			all, err := qs.Documents.GetAll()
			if err != nil {
				logger.Error("error while reading snapshot", slog.String(log.ErrorMsgLogField, err.Error()))
				continue
			}
			snap := Snapshot{
				Docs:    make([]*Document, 0, len(all)),
				Changes: make([]Change, 0, len(qs.Changes)),
			}
			for _, d := range all {
				snap.Docs = append(snap.Docs, fromSnapshot(d))
			}
			for _, c := range qs.Changes {
				snap.Changes = append(snap.Changes, Change{Kind: changeKind(c.Kind), Doc: fromSnapshot(c.Doc)})
			}
			if ctx.Err() != nil {
				return
			}
			fn(snap)
		}
	}()

	return func() { cancel() }, nil
}

func (f *Firestore) query(q Query) firestore.Query {
	fq := f.client.Collection(q.Collection).Query
	for _, flt := range q.Filters {
		fq = fq.Where(flt.Field, string(flt.Op), flt.Value)
	}
	if q.OrderBy != "" {
		fq = fq.OrderBy(q.OrderBy, firestore.Asc)
	}
	return fq
}

func fromSnapshot(s *firestore.DocumentSnapshot) *Document {
	if s == nil || s.Ref == nil {
		return nil
	}
	if !s.Exists() {
		return &Document{ID: s.Ref.ID}
	}
	return &Document{ID: s.Ref.ID, Data: s.Data()}
}

func changeKind(k firestore.DocumentChangeKind) ChangeKind {
	switch k {
	case firestore.DocumentRemoved:
		return Removed
	case firestore.DocumentModified:
		return Modified
	}
	return Added
}

func toFirestoreFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = toFirestoreValue(v)
	}
	return out
}

func toFirestoreValue(v any) any {
	switch vv := v.(type) {
	case serverTimestamp:
		return firestore.ServerTimestamp
	case ArrayUnionValue:
		return firestore.ArrayUnion(vv.Elems...)
	case ArrayRemoveValue:
		return firestore.ArrayRemove(vv.Elems...)
	}
	return v
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNoDocument, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
