package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"proman-api/domain"
)

// MemStore is an in-memory Store with native subscriptions. It backs tests
// and local runs; batches apply under one lock so a failed op leaves
// nothing behind.
type MemStore struct {
	mu    sync.RWMutex
	colls map[string]map[string][]byte
	subs  map[*memSub]struct{}
	now   func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		colls: make(map[string]map[string][]byte),
		subs:  make(map[*memSub]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the server clock, for tests.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemStore) ServerNow() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

func (m *MemStore) GetByID(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.colls[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrNotFound)
	}
	return Document{ID: id, Data: append([]byte(nil), data...)}, nil
}

func (m *MemStore) Query(ctx context.Context, collection string, filters []Filter, orderBy string, limit int) ([]Document, error) {
	m.mu.RLock()
	docs, err := m.queryLocked(collection, filters)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	sortDocuments(docs, orderBy)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemStore) queryLocked(collection string, filters []Filter) ([]Document, error) {
	docs := []Document{}
	for id, data := range m.colls[collection] {
		ok, err := matchesFilters(data, id, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, Document{ID: id, Data: append([]byte(nil), data...)})
		}
	}
	return docs, nil
}

func (m *MemStore) Insert(ctx context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	body, err := withDocumentID(data, id)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	coll := m.colls[collection]
	if coll == nil {
		coll = make(map[string][]byte)
		m.colls[collection] = coll
	}
	coll[id] = body
	m.mu.Unlock()
	m.notify(collection)
	return id, nil
}

func (m *MemStore) Update(ctx context.Context, collection, id string, data []byte) error {
	body, err := withDocumentID(data, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	coll := m.colls[collection]
	if _, ok := coll[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrNotFound)
	}
	coll[id] = body
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

// Delete removes a document. Deleting a missing document is a no-op, so
// retries and dangling references never fail the caller.
func (m *MemStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.colls[collection], id)
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

func (m *MemStore) AtomicBatch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}

	m.mu.Lock()
	// Stage on copies of the touched collections; swap in only when every
	// op succeeds.
	staged := make(map[string]map[string][]byte)
	for _, op := range ops {
		if _, ok := staged[op.Collection]; ok {
			continue
		}
		clone := make(map[string][]byte, len(m.colls[op.Collection]))
		for id, data := range m.colls[op.Collection] {
			clone[id] = data
		}
		staged[op.Collection] = clone
	}

	touched := make([]string, 0, len(staged))
	for name := range staged {
		touched = append(touched, name)
	}

	for _, op := range ops {
		coll := staged[op.Collection]
		switch op.Kind {
		case BatchInsert:
			id := op.ID
			if id == "" {
				id = uuid.NewString()
			}
			body, err := withDocumentID(op.Data, id)
			if err != nil {
				m.mu.Unlock()
				return &domain.AtomicWriteError{Cause: err}
			}
			coll[id] = body
		case BatchUpdate:
			if _, ok := coll[op.ID]; !ok {
				m.mu.Unlock()
				return &domain.AtomicWriteError{Cause: fmt.Errorf("%s/%s: %w", op.Collection, op.ID, domain.ErrNotFound)}
			}
			body, err := withDocumentID(op.Data, op.ID)
			if err != nil {
				m.mu.Unlock()
				return &domain.AtomicWriteError{Cause: err}
			}
			coll[op.ID] = body
		case BatchDelete:
			if _, ok := coll[op.ID]; !ok {
				m.mu.Unlock()
				return &domain.AtomicWriteError{Cause: fmt.Errorf("%s/%s: %w", op.Collection, op.ID, domain.ErrNotFound)}
			}
			delete(coll, op.ID)
		default:
			m.mu.Unlock()
			return &domain.AtomicWriteError{Cause: fmt.Errorf("unknown batch op %q", op.Kind)}
		}
	}

	for name, coll := range staged {
		m.colls[name] = coll
	}
	m.mu.Unlock()

	for _, name := range touched {
		m.notify(name)
	}
	return nil
}

type memSub struct {
	collection string
	filters    []Filter
	limit      int
	kick       chan struct{}
}

// Subscribe delivers the current snapshot immediately and again after every
// write to the collection.
func (m *MemStore) Subscribe(ctx context.Context, collection string, filters []Filter, limit int) (*Subscription, error) {
	sub := &memSub{
		collection: collection,
		filters:    filters,
		limit:      limit,
		kick:       make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	out := &Subscription{updates: make(chan []Document, 1), stop: cancel}

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(out.updates)
		}()
		for {
			docs, err := m.Query(ctx, sub.collection, sub.filters, "", sub.limit)
			if err == nil {
				out.push(docs)
			}
			select {
			case <-ctx.Done():
				return
			case <-sub.kick:
			}
		}
	}()

	return out, nil
}

func (m *MemStore) notify(collection string) {
	m.mu.RLock()
	for sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case sub.kick <- struct{}{}:
		default:
		}
	}
	m.mu.RUnlock()
}

func withDocumentID(data []byte, id string) ([]byte, error) {
	fields := map[string]any{}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}
	fields["id"] = id
	return sonic.Marshal(fields)
}

func matchesFilters(data []byte, id string, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	fields := map[string]any{}
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	fields["id"] = id
	for _, f := range filters {
		val, ok := fields[f.Field]
		switch f.Op {
		case OpEqual:
			if !ok || !looseEqual(val, f.Value) {
				return false, nil
			}
		case OpIn:
			values, isList := f.Value.([]string)
			if !isList {
				return false, fmt.Errorf("in filter on %q requires []string", f.Field)
			}
			str, isStr := val.(string)
			if !ok || !isStr {
				return false, nil
			}
			found := false
			for _, candidate := range values {
				if candidate == str {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown filter op %q", f.Op)
		}
	}
	return true, nil
}

// looseEqual compares a decoded JSON value against a filter value without
// caring that JSON numbers decode as float64.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sortDocuments orders by a top-level string or numeric field; a leading
// '-' reverses the order. Unknown fields sort by id for stability.
func sortDocuments(docs []Document, orderBy string) {
	if orderBy == "" {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	field := orderBy
	desc := false
	if strings.HasPrefix(orderBy, "-") {
		field = orderBy[1:]
		desc = true
	}
	keys := make([]string, len(docs))
	for i, doc := range docs {
		fields := map[string]any{}
		if err := sonic.Unmarshal(doc.Data, &fields); err == nil {
			if v, ok := fields[field]; ok {
				keys[i] = fmt.Sprintf("%v", v)
			}
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if keys[i] == keys[j] {
			return docs[i].ID < docs[j].ID
		}
		if desc {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})
}
