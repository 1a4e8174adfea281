package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/mq"
)

type Notifier interface {
	NotifyDocumentCompleted(ctx context.Context, msg mq.DocumentCompletedMessage) error
}

// Long enough for one webhook delivery including its HTTP timeout
const visibilityTimeout = 60

type NotificationConsumer struct {
	notifyQueue mq.MessageQueue
	notifier    Notifier
	maxReceives int
	logger      *zap.Logger
}

// NewNotificationConsumer delivers completion messages to notifier. A
// message that still fails on its maxReceives-th delivery is dropped.
func NewNotificationConsumer(notifyQueue mq.MessageQueue, notifier Notifier, maxReceives int, logger *zap.Logger) *NotificationConsumer {
	if maxReceives <= 0 {
		maxReceives = 5
	}
	return &NotificationConsumer{
		notifyQueue: notifyQueue,
		notifier:    notifier,
		maxReceives: maxReceives,
		logger:      logger,
	}
}

func (c *NotificationConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := c.notifyQueue.Receive(shutdownCtx, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Warn("notification queue receive error", zap.Error(err))
			// Avoid a hot loop while the queue is unreachable
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if msg == nil {
			continue
		}

		c.handle(msg)
	}
}

func (c *NotificationConsumer) handle(msg *mq.Message) {
	completed, err := mq.DecodeDocumentCompleted(msg.Body)
	if err != nil {
		// Redelivery cannot fix a malformed message
		c.logger.Error("discarding malformed notification message", zap.Error(err))
		c.deleteMessage(msg)
		return
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), (visibilityTimeout-1)*time.Second)
	defer cancel()

	if err := c.notifier.NotifyDocumentCompleted(ctx, completed); err != nil {
		if msg.ReceiveCount >= c.maxReceives {
			c.logger.Error("giving up on completion notification",
				zap.String("document_id", completed.DocumentId),
				zap.Int("receive_count", msg.ReceiveCount),
				zap.Error(err))
			c.deleteMessage(msg)
			return
		}
		// Left on the queue; it becomes visible again after the timeout
		c.logger.Warn("completion notification failed",
			zap.String("document_id", completed.DocumentId),
			zap.Int("receive_count", msg.ReceiveCount),
			zap.Error(err))
		return
	}

	c.logger.Info("completion notification delivered", zap.String("document_id", completed.DocumentId))
	c.deleteMessage(msg)
}

func (c *NotificationConsumer) deleteMessage(msg *mq.Message) {
	if err := c.notifyQueue.Delete(context.Background(), msg); err != nil {
		c.logger.Warn("notification queue delete error", zap.Error(err))
	}
}
