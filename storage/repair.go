package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

const (
	defaultRepairPoll   = time.Second
	maxRepairAttempts   = 5
	repairVisibilitySec = int32(30)
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

type idPatcher interface {
	SetMemoID(ctx context.Context, key string) error
}

type repairMessage struct {
	MemoID string `json:"memoId"`
}

// RepairQueue holds memos whose id field still has to be patched after a
// create whose second step failed.
type RepairQueue struct {
	queue  queueClient
	logger *log.Logger
	poll   time.Duration
}

// NewRepairQueue connects to the named Azure Storage queue.
func NewRepairQueue(connStr, queueName string, logger *log.Logger) (*RepairQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return newRepairQueue(q, logger), nil
}

func newRepairQueue(q queueClient, logger *log.Logger) *RepairQueue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RepairQueue{queue: q, logger: logger, poll: defaultRepairPoll}
}

// ScheduleIDPatch enqueues key for a later SetMemoID.
func (q *RepairQueue) ScheduleIDPatch(ctx context.Context, key string) error {
	data, err := json.Marshal(repairMessage{MemoID: key})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Run drains the queue until ctx is done. A message is deleted once the
// patch succeeds, when the memo no longer exists, or after too many
// attempts; otherwise it becomes visible again for another try.
func (q *RepairQueue) Run(ctx context.Context, patcher idPatcher) {
	q.logger.Info("id repair worker started")
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := q.processNext(ctx, patcher)
		if err != nil {
			q.logger.WithError(err).Error("repair queue receive failed")
		}
		if !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.poll):
			}
		}
	}
}

func (q *RepairQueue) processNext(ctx context.Context, patcher idPatcher) (bool, error) {
	vis := repairVisibilitySec
	resp, err := q.queue.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &vis})
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return true, nil
	}
	entry := q.logger.WithField("message", *msg.MessageID)

	var rm repairMessage
	text := ""
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	if err := json.Unmarshal([]byte(text), &rm); err != nil || rm.MemoID == "" {
		entry.WithError(err).Error("dropping malformed repair message")
		q.delete(ctx, *msg.MessageID, *msg.PopReceipt)
		return true, nil
	}
	entry = entry.WithField("memo", rm.MemoID)

	err = patcher.SetMemoID(ctx, rm.MemoID)
	switch {
	case err == nil:
		entry.Info("memo id patched")
	case errors.Is(err, domain.ErrMemoNotFound):
		entry.Warn("memo vanished before id patch")
	case msg.DequeueCount != nil && *msg.DequeueCount >= maxRepairAttempts:
		entry.WithError(err).Error("giving up on memo id patch")
	default:
		entry.WithError(err).Warn("memo id patch failed, will retry")
		return true, nil
	}
	q.delete(ctx, *msg.MessageID, *msg.PopReceipt)
	return true, nil
}

func (q *RepairQueue) delete(ctx context.Context, id, receipt string) {
	if _, err := q.queue.DeleteMessage(ctx, id, receipt, nil); err != nil {
		q.logger.WithError(err).WithField("message", id).Error("failed to delete repair message")
	}
}
