package storage

import (
	"context"
	"time"
)

// Collection names used by the core.
const (
	Objectives = "objectives"
	Projects   = "projects"
	Tasks      = "tasks"
	Subtasks   = "subtasks"
	Users      = "users"
	TimeLogs   = "time_logs"
)

// Document is one stored entity: its id plus the JSON body. The body always
// carries a top-level "id" field matching ID; implementations inject it on
// write so reads decode directly into domain structs.
type Document struct {
	ID   string
	Data []byte
}

// FilterOp is a query comparison operator.
type FilterOp string

const (
	OpEqual FilterOp = "eq"
	OpIn    FilterOp = "in"
)

// Filter restricts a query to documents whose top-level field matches.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// In builds a membership filter over document ids or a string field.
func In(field string, values []string) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// BatchKind selects the operation a batch entry performs.
type BatchKind string

const (
	BatchInsert BatchKind = "insert"
	BatchUpdate BatchKind = "update"
	BatchDelete BatchKind = "delete"
)

// BatchOp is one entry of an atomic multi-document write. Inserts may leave
// ID empty; the store assigns one before committing.
type BatchOp struct {
	Collection string
	ID         string
	Kind       BatchKind
	Data       []byte
}

// Store is the narrow persistence contract both engines are written
// against. Updates are whole-document replaces: nested arrays (the
// key-result list) have no point-update path, matching the stores this
// service targets.
type Store interface {
	GetByID(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, filters []Filter, orderBy string, limit int) ([]Document, error)
	Insert(ctx context.Context, collection string, data []byte) (string, error)
	Update(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error
	// AtomicBatch commits every op or none. Failures surface as
	// *domain.AtomicWriteError and leave the store untouched.
	AtomicBatch(ctx context.Context, ops []BatchOp) error
	// ServerNow is the authoritative wall clock used for timer start
	// stamps, so elapsed time never depends on a client device clock.
	ServerNow() time.Time
}

// Watcher delivers live query results until the subscription is closed.
// Re-subscribing after a pause is always safe.
type Watcher interface {
	Subscribe(ctx context.Context, collection string, filters []Filter, limit int) (*Subscription, error)
}

// Subscription is a live sequence of query snapshots. Updates delivers the
// latest snapshot; intermediate snapshots may be dropped when the consumer
// lags. Close releases the subscription and its channel.
type Subscription struct {
	updates chan []Document
	stop    func()
}

// Updates returns the snapshot channel. It is closed after Close.
func (s *Subscription) Updates() <-chan []Document { return s.updates }

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// push delivers a snapshot, replacing an undelivered one instead of
// blocking the producer.
func (s *Subscription) push(docs []Document) {
	for {
		select {
		case s.updates <- docs:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}
