package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"proman-api/goals"
	"proman-api/storage"
	"proman-api/timer"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// RecalcEnqueuer queues background project recalculations.
type RecalcEnqueuer interface {
	Enqueue(ctx context.Context, job storage.RecalcJob) error
}

// Deduper keeps one in-flight recalculation per project.
type Deduper interface {
	// Add records the project and returns true if no job was in flight.
	Add(ctx context.Context, key string) (bool, error)
	// Remove releases the project after enqueueing failed.
	Remove(ctx context.Context, key string) error
}

// Server bundles the dependencies of the HTTP layer.
type Server struct {
	Store   storage.Store
	Watcher storage.Watcher
	Engine  *goals.Engine
	Timers  *timer.Registry
	Queue   RecalcEnqueuer
	Deduper Deduper
	Auth    Authenticator
	Logger  *log.Logger
}
