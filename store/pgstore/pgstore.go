// Package pgstore keeps documents as JSONB rows in PostgreSQL and turns LISTEN/NOTIFY into live
// subscriptions by re-running the subscribed query whenever its collection changes.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/store"
	"github.com/lib/pq"
)

const (
	dbDriver = "postgres"

	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

type row struct {
	ID      string `db:"id"`
	Data    []byte `db:"data"`
	Version int64  `db:"version"`
}

type subscription struct {
	q  store.Query
	fn func(store.Snapshot)

	mu     sync.Mutex
	prev   map[string]int64
	closed bool
}

type Store struct {
	db  *sqlx.DB
	dsn string

	mu       sync.Mutex
	listener *pq.Listener
	subs     map[*subscription]struct{}
	done     chan struct{}
}

// Open connects and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, dbDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate documents schema: %w", err)
	}
	return &Store{
		db:   db,
		dsn:  dsn,
		subs: make(map[*subscription]struct{}),
		done: make(chan struct{}),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	var r row
	err := s.db.GetContext(ctx, &r, getSQL, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.Document{ID: id}, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return r.document()
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	data, stamped, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertSQL, collection, id, string(data), pq.Array(stamped))
	return unavailable(err)
}

func (s *Store) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	data, stamped, err := encodeFields(fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, insertSQL, collection, id, string(data), pq.Array(stamped))
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrAlreadyExists, collection, id)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, updates ...store.Update) error {
	query, args, err := buildUpdate(collection, id, updates)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNoDocument, collection, id)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Create(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*store.Document, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	docs := make([]*store.Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, q store.Query, fn func(store.Snapshot)) (store.Disposer, error) {
	if err := s.listen(); err != nil {
		return nil, err
	}
	sub := &subscription{q: q, fn: fn, prev: make(map[string]int64)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	dispose := func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	if err := s.refresh(ctx, sub, true); err != nil {
		dispose()
		return nil, err
	}
	stop := context.AfterFunc(ctx, dispose)
	return func() {
		stop()
		dispose()
	}, nil
}

func (s *Store) query(ctx context.Context, q store.Query) ([]row, error) {
	query, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable(err)
	}
	return rows, nil
}

// listen starts the shared notification listener on first use.
func (s *Store) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	logger := log.LoggerFromContext(context.Background())
	l := pq.NewListener(s.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("document listener event", slog.Int("event", int(ev)), slog.String(log.ErrorMsgLogField, err.Error()))
		}
	})
	if err := l.Listen(notifyChannel); err != nil {
		l.Close()
		return unavailable(err)
	}
	s.listener = l
	go s.run(l)
	return nil
}

func (s *Store) run(l *pq.Listener) {
	logger := log.LoggerFromContext(context.Background())
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			// a nil notification follows a reconnect; anything may have changed meanwhile
			collection := ""
			if n != nil {
				collection = n.Extra
			}
			for _, sub := range s.subscribers(collection) {
				if err := s.refresh(context.Background(), sub, false); err != nil {
					logger.Error("error while refreshing subscription",
						slog.String(log.CollectionLogField, sub.q.Collection),
						slog.String(log.ErrorMsgLogField, err.Error()),
					)
				}
			}
		case <-time.After(pingInterval):
			go func() {
				if err := l.Ping(); err != nil {
					logger.Warn("document listener ping failed", slog.String(log.ErrorMsgLogField, err.Error()))
				}
			}()
		}
	}
}

func (s *Store) subscribers(collection string) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		if collection == "" || sub.q.Collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

// refresh re-runs the subscription query and delivers the difference against the previous result.
func (s *Store) refresh(ctx context.Context, sub *subscription, initial bool) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	rows, err := s.query(ctx, sub.q)
	if err != nil {
		return err
	}
	snap := store.Snapshot{Docs: make([]*store.Document, 0, len(rows))}
	seen := make(map[string]int64, len(rows))
	for _, r := range rows {
		doc, err := r.document()
		if err != nil {
			return err
		}
		snap.Docs = append(snap.Docs, doc)
		seen[r.ID] = r.Version
		prev, ok := sub.prev[r.ID]
		switch {
		case !ok:
			snap.Changes = append(snap.Changes, store.Change{Kind: store.Added, Doc: doc})
		case prev != r.Version:
			snap.Changes = append(snap.Changes, store.Change{Kind: store.Modified, Doc: doc})
		}
	}
	for id := range sub.prev {
		if _, ok := seen[id]; !ok {
			snap.Changes = append(snap.Changes, store.Change{Kind: store.Removed, Doc: &store.Document{ID: id}})
		}
	}
	sub.prev = seen
	if initial || len(snap.Changes) > 0 {
		sub.fn(snap)
	}
	return nil
}

func (r row) document() (*store.Document, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", r.ID, err)
	}
	return &store.Document{ID: r.ID, Data: data}, nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
