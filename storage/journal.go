package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// QueueJournal appends board events to an Azure Storage queue so that
// downstream consumers can follow every applied mutation.
type QueueJournal struct {
	queue *azqueue.QueueClient
}

// NewQueueJournal creates a journal writing to the named queue.
func NewQueueJournal(connStr, queueName string) (*QueueJournal, error) {
	queueClientOptions := azqueue.ClientOptions{
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
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &QueueJournal{queue: q}, nil
}

// Append enqueues ev as a JSON message.
func (j *QueueJournal) Append(ctx context.Context, ev domain.BoardEvent) error {
	data, err := encodeJournalEvent(ev)
	if err != nil {
		return err
	}
	_, err = j.queue.EnqueueMessage(ctx, data, nil)
	return err
}

func encodeJournalEvent(ev domain.BoardEvent) (string, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
