// Package memstore is an in-process implementation of store.Store.
//
// Subscription callbacks run synchronously on the goroutine that performed the write, after the
// write is applied. A callback must not write to the same Store.
package memstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klipach/devconnect/store"
	"github.com/oklog/ulid/v2"
)

type entry struct {
	data    map[string]any
	created uint64
	version uint64
}

type subscription struct {
	q      store.Query
	fn     func(store.Snapshot)
	prev   map[string]uint64
	closed atomic.Bool
}

type delivery struct {
	sub  *subscription
	snap store.Snapshot
}

type Store struct {
	// deliverMu is held from the start of a write until its snapshots are delivered so that every
	// subscriber sees writes in commit order.
	deliverMu sync.Mutex

	mu          sync.Mutex
	collections map[string]map[string]*entry
	subs        map[*subscription]struct{}
	seq         uint64
	lastTime    time.Time
	now         func() time.Time
	entropy     *ulid.MonotonicEntropy
	failure     error
}

type Option func(*Store)

// WithClock replaces the clock used for server timestamps and generated ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*entry),
		subs:        make(map[*subscription]struct{}),
		now:         time.Now,
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure makes every following operation fail with store.ErrUnavailable until it is called
// again with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) Get(_ context.Context, collection, id string) (*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	e, ok := s.collections[collection][id]
	if !ok {
		return &store.Document{ID: id}, nil
	}
	return &store.Document{ID: id, Data: cloneMap(e.data)}, nil
}

func (s *Store) Set(_ context.Context, collection, id string, fields map[string]any) error {
	return s.write(func() error {
		data := make(map[string]any, len(fields))
		for k, v := range fields {
			data[k] = s.resolve(nil, v)
		}
		s.put(collection, id, data)
		return nil
	})
}

func (s *Store) Create(_ context.Context, collection, id string, fields map[string]any) error {
	return s.write(func() error {
		if _, ok := s.collections[collection][id]; ok {
			return fmt.Errorf("%w: %s/%s", store.ErrAlreadyExists, collection, id)
		}
		data := make(map[string]any, len(fields))
		for k, v := range fields {
			data[k] = s.resolve(nil, v)
		}
		s.put(collection, id, data)
		return nil
	})
}

// Update merges top-level fields into an existing document.
func (s *Store) Update(_ context.Context, collection, id string, updates ...store.Update) error {
	return s.write(func() error {
		e, ok := s.collections[collection][id]
		if !ok {
			return fmt.Errorf("%w: %s/%s", store.ErrNoDocument, collection, id)
		}
		data := cloneMap(e.data)
		for _, u := range updates {
			data[u.Path] = s.resolve(data[u.Path], u.Value)
		}
		s.put(collection, id, data)
		return nil
	})
}

func (s *Store) Add(_ context.Context, collection string, fields map[string]any) (string, error) {
	var id string
	err := s.write(func() error {
		id = ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
		data := make(map[string]any, len(fields))
		for k, v := range fields {
			data[k] = s.resolve(nil, v)
		}
		s.put(collection, id, data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Query(_ context.Context, q store.Query) ([]*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	matched := s.match(q)
	docs := make([]*store.Document, 0, len(matched))
	for _, m := range matched {
		docs = append(docs, &store.Document{ID: m.id, Data: cloneMap(m.e.data)})
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, q store.Query, fn func(store.Snapshot)) (store.Disposer, error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if err := s.failed(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscription{q: q, fn: fn, prev: make(map[string]uint64)}
	s.subs[sub] = struct{}{}
	snap, _ := s.diff(sub)
	s.mu.Unlock()

	dispose := func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, dispose)

	fn(snap)
	return func() {
		stop()
		dispose()
	}, nil
}

func (s *Store) write(apply func() error) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if err := s.failed(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	var pending []delivery
	for sub := range s.subs {
		if snap, changed := s.diff(sub); changed {
			pending = append(pending, delivery{sub: sub, snap: snap})
		}
	}
	s.mu.Unlock()

	for _, d := range pending {
		if !d.sub.closed.Load() {
			d.sub.fn(d.snap)
		}
	}
	return nil
}

func (s *Store) failed() error {
	if s.failure != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, s.failure)
	}
	return nil
}

func (s *Store) put(collection, id string, data map[string]any) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]*entry)
		s.collections[collection] = docs
	}
	s.seq++
	if e, ok := docs[id]; ok {
		e.data = data
		e.version = s.seq
		return
	}
	docs[id] = &entry{data: data, created: s.seq, version: s.seq}
}

// resolve turns write sentinels into stored values given the field's current value.
func (s *Store) resolve(current, v any) any {
	switch vv := v.(type) {
	case store.ArrayUnionValue:
		out := toAnySlice(current)
		for _, e := range vv.Elems {
			if !containsValue(out, e) {
				out = append(out, e)
			}
		}
		return out
	case store.ArrayRemoveValue:
		in := toAnySlice(current)
		out := make([]any, 0, len(in))
		for _, e := range in {
			if !containsValue(vv.Elems, e) {
				out = append(out, e)
			}
		}
		return out
	}
	if store.IsServerTimestamp(v) {
		return s.timestamp()
	}
	return cloneValue(v)
}

// timestamp returns a strictly increasing time at microsecond precision.
func (s *Store) timestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

type matchedDoc struct {
	id string
	e  *entry
}

func (s *Store) match(q store.Query) []matchedDoc {
	var out []matchedDoc
	for id, e := range s.collections[q.Collection] {
		if matches(e.data, q) {
			out = append(out, matchedDoc{id: id, e: e})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			if c := compare(out[i].e.data[q.OrderBy], out[j].e.data[q.OrderBy]); c != 0 {
				return c < 0
			}
			return out[i].e.created < out[j].e.created
		}
		return out[i].id < out[j].id
	})
	return out
}

func (s *Store) diff(sub *subscription) (store.Snapshot, bool) {
	matched := s.match(sub.q)
	snap := store.Snapshot{Docs: make([]*store.Document, 0, len(matched))}
	seen := make(map[string]uint64, len(matched))
	for _, m := range matched {
		doc := &store.Document{ID: m.id, Data: cloneMap(m.e.data)}
		snap.Docs = append(snap.Docs, doc)
		seen[m.id] = m.e.version
		prev, ok := sub.prev[m.id]
		switch {
		case !ok:
			snap.Changes = append(snap.Changes, store.Change{Kind: store.Added, Doc: doc})
		case prev != m.e.version:
			snap.Changes = append(snap.Changes, store.Change{Kind: store.Modified, Doc: doc})
		}
	}
	var removed []string
	for id := range sub.prev {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		var data map[string]any
		if e, ok := s.collections[sub.q.Collection][id]; ok {
			data = cloneMap(e.data)
		}
		snap.Changes = append(snap.Changes, store.Change{Kind: store.Removed, Doc: &store.Document{ID: id, Data: data}})
	}
	sub.prev = seen
	return snap, len(snap.Changes) > 0
}

func matches(data map[string]any, q store.Query) bool {
	for _, f := range q.Filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case store.OpEqual:
			if !equalValue(v, f.Value) {
				return false
			}
		case store.OpArrayContains:
			arr, isArr := v.([]any)
			if !isArr || !containsValue(arr, f.Value) {
				return false
			}
		case store.OpGreaterOrEqual:
			if compare(v, f.Value) < 0 {
				return false
			}
		default:
			return false
		}
	}
	if q.OrderBy != "" {
		if _, ok := data[q.OrderBy]; !ok {
			return false
		}
	}
	return true
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if equalValue(e, v) {
			return true
		}
	}
	return false
}

func equalValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(cloneValue(a), cloneValue(b))
}

// compare orders times, strings and numbers; values of different kinds compare by type name.
func compare(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	if af, ok := number(a); ok {
		if bf, ok := number(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toAnySlice(v any) []any {
	switch vv := v.(type) {
	case []any:
		out := make([]any, len(vv))
		copy(out, vv)
		return out
	case []string:
		out := make([]any, 0, len(vv))
		for _, s := range vv {
			out = append(out, s)
		}
		return out
	}
	return []any{}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneMap(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return toAnySlice(vv)
	}
	return v
}
