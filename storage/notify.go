package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ChangeChannel is the Redis pub/sub channel carrying change events.
const ChangeChannel = "proman:changes"

// ChangeEvent announces a committed write so other instances can refresh.
type ChangeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id,omitempty"`
}

// notifyingStore decorates a Store so every committed write publishes a
// ChangeEvent. Publish failures are logged, never surfaced: notifications
// are a freshness optimization, not part of the write.
type notifyingStore struct {
	Store
	redis  *redis.Client
	logger *log.Logger
}

// WithNotifier wraps base so its writes publish change events on rc.
func WithNotifier(base Store, rc *redis.Client, logger *log.Logger) Store {
	return &notifyingStore{Store: base, redis: rc, logger: logger}
}

func (n *notifyingStore) Insert(ctx context.Context, collection string, data []byte) (string, error) {
	id, err := n.Store.Insert(ctx, collection, data)
	if err != nil {
		return "", err
	}
	n.publish(ctx, collection, id)
	return id, nil
}

func (n *notifyingStore) Update(ctx context.Context, collection, id string, data []byte) error {
	if err := n.Store.Update(ctx, collection, id, data); err != nil {
		return err
	}
	n.publish(ctx, collection, id)
	return nil
}

func (n *notifyingStore) Delete(ctx context.Context, collection, id string) error {
	if err := n.Store.Delete(ctx, collection, id); err != nil {
		return err
	}
	n.publish(ctx, collection, id)
	return nil
}

func (n *notifyingStore) AtomicBatch(ctx context.Context, ops []BatchOp) error {
	if err := n.Store.AtomicBatch(ctx, ops); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, op := range ops {
		if _, ok := seen[op.Collection]; ok {
			continue
		}
		seen[op.Collection] = struct{}{}
		n.publish(ctx, op.Collection, op.ID)
	}
	return nil
}

func (n *notifyingStore) publish(ctx context.Context, collection, id string) {
	if n.redis == nil {
		return
	}
	payload, err := sonic.Marshal(ChangeEvent{Collection: collection, ID: id})
	if err != nil {
		return
	}
	if err := n.redis.Publish(ctx, ChangeChannel, payload).Err(); err != nil && n.logger != nil {
		n.logger.Errorf("unable to publish change for %s: %v", collection, err)
	}
}

// PubSubWatcher implements Watcher over the Redis change feed: every event
// for the watched collection triggers a re-query of the backing store.
type PubSubWatcher struct {
	redis  *redis.Client
	store  Store
	logger *log.Logger
}

// NewPubSubWatcher creates a Watcher reading change events from rc and
// query results from store.
func NewPubSubWatcher(rc *redis.Client, store Store, logger *log.Logger) *PubSubWatcher {
	return &PubSubWatcher{redis: rc, store: store, logger: logger}
}

// Subscribe delivers the current result set immediately and again whenever
// the collection changes. The pub/sub connection reconnects after drops.
func (w *PubSubWatcher) Subscribe(ctx context.Context, collection string, filters []Filter, limit int) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := &Subscription{updates: make(chan []Document, 1), stop: cancel}

	go func() {
		defer close(out.updates)
		w.deliver(ctx, out, collection, filters, limit)
		for {
			sub := w.redis.Subscribe(ctx, ChangeChannel)
			ch := sub.Channel()
		recv:
			for {
				select {
				case <-ctx.Done():
					_ = sub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break recv
					}
					var ev ChangeEvent
					if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
						w.logger.Errorf("unable to parse change event: %v", err)
						continue
					}
					if ev.Collection != collection {
						continue
					}
					w.deliver(ctx, out, collection, filters, limit)
				}
			}
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("change feed closed, reconnecting")
			time.Sleep(time.Second)
		}
	}()

	return out, nil
}

func (w *PubSubWatcher) deliver(ctx context.Context, out *Subscription, collection string, filters []Filter, limit int) {
	docs, err := w.store.Query(ctx, collection, filters, "", limit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Errorf("refresh %s: %v", collection, err)
		}
		return
	}
	out.push(docs)
}
