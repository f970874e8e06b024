package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// RecalcJob asks the background worker to recompute every objective of a
// project. Jobs are idempotent; replaying one is harmless.
type RecalcJob struct {
	ProjectID  string `json:"projectId"`
	EnqueuedBy string `json:"enqueuedBy,omitempty"`
}

// RecalcMessage pairs a dequeued job with the receipt needed to delete it.
type RecalcMessage struct {
	Job        RecalcJob
	messageID  string
	popReceipt string
}

// RecalcQueue is the azqueue-backed recalculation job queue.
type RecalcQueue struct {
	queue *azqueue.QueueClient
}

// NewRecalcQueue creates the queue client from the given connection string.
func NewRecalcQueue(connStr, queueName string) (*RecalcQueue, error) {
	options := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &options)
	if err != nil {
		return nil, err
	}
	return &RecalcQueue{queue: q}, nil
}

// Enqueue appends a job to the queue.
func (q *RecalcQueue) Enqueue(ctx context.Context, job RecalcJob) error {
	data, err := sonic.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Dequeue receives at most one job. It returns nil when the queue is empty
// or a message fails to decode (the poison message is deleted).
func (q *RecalcQueue) Dequeue(ctx context.Context) (*RecalcMessage, error) {
	resp, err := q.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	out := &RecalcMessage{messageID: *msg.MessageID, popReceipt: *msg.PopReceipt}
	if err := sonic.Unmarshal([]byte(*msg.MessageText), &out.Job); err != nil {
		_, _ = q.queue.DeleteMessage(ctx, out.messageID, out.popReceipt, nil)
		return nil, nil
	}
	return out, nil
}

// Delete acknowledges a processed job. Unacked jobs reappear after the
// queue's visibility timeout.
func (q *RecalcQueue) Delete(ctx context.Context, msg *RecalcMessage) error {
	_, err := q.queue.DeleteMessage(ctx, msg.messageID, msg.popReceipt, nil)
	return err
}
