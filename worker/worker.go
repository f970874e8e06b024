package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"proman-api/storage"
)

// JobQueue supplies recalculation jobs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*storage.RecalcMessage, error)
	Delete(ctx context.Context, msg *storage.RecalcMessage) error
}

// Recalculator rebuilds every objective of a project.
type Recalculator interface {
	RecalculateProjectObjectives(ctx context.Context, projectID string) error
}

// Deduper releases the in-flight marker of a project once its job is done.
type Deduper interface {
	Remove(ctx context.Context, key string) error
}

// Worker drains the recalculation queue. Jobs are idempotent, so a job that
// fails is simply left on the queue for redelivery; only a processed job is
// acknowledged.
type Worker struct {
	queue     JobQueue
	engine    Recalculator
	deduper   Deduper
	logger    *log.Logger
	idleDelay time.Duration
}

// New creates a worker with the standard one-second idle poll.
func New(queue JobQueue, engine Recalculator, deduper Deduper, logger *log.Logger) *Worker {
	return &Worker{queue: queue, engine: engine, deduper: deduper, logger: logger, idleDelay: time.Second}
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("recalculation worker starting")
	for {
		if ctx.Err() != nil {
			w.logger.Info("recalculation worker stopping")
			return
		}
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.WithError(err).Error("dequeue recalculation job")
			w.idle(ctx)
			continue
		}
		if msg == nil {
			w.idle(ctx)
			continue
		}
		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *storage.RecalcMessage) {
	projectID := msg.Job.ProjectID
	logger := w.logger.WithField("projectId", projectID)

	err := w.engine.RecalculateProjectObjectives(ctx, projectID)

	// Release the in-flight marker either way so a new job can be queued.
	if w.deduper != nil {
		if derr := w.deduper.Remove(ctx, projectID); derr != nil {
			logger.WithError(derr).Warn("release recalculation marker")
		}
	}

	if err != nil {
		// Left unacked: the queue redelivers after the visibility timeout.
		logger.WithError(err).Error("recalculate project objectives")
		return
	}
	if err := w.queue.Delete(ctx, msg); err != nil {
		logger.WithError(err).Warn("acknowledge recalculation job")
		return
	}
	logger.Info("project objectives recalculated")
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.idleDelay):
	}
}
