package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/mq"
	mqmocks "github.com/zlnvch/signlink/mq/mocks"
	"github.com/zlnvch/signlink/worker"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyDocumentCompleted(ctx context.Context, msg mq.DocumentCompletedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func completedMessage(t *testing.T, receiveCount int) *mq.Message {
	body, err := mq.DocumentCompletedMessage{DocumentId: "d1", Kind: "contract", Title: "Lease"}.Encode()
	assert.NoError(t, err)
	return &mq.Message{Id: "handle-1", Body: body, ReceiveCount: receiveCount}
}

// runConsumer feeds msg once, then stops the consumer.
func runConsumer(t *testing.T, queue *mqmocks.MockMQ, notifier *mockNotifier, msg *mq.Message) {
	queue.On("Receive", mock.Anything, int32(60)).Return(msg, nil).Once()
	queue.On("Receive", mock.Anything, int32(60)).Return(nil, context.Canceled)

	c := worker.NewNotificationConsumer(queue, notifier, 3, zap.NewNop())
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNotificationConsumer_DeliversAndDeletes(t *testing.T) {
	queue := new(mqmocks.MockMQ)
	notifier := new(mockNotifier)
	msg := completedMessage(t, 1)

	notifier.On("NotifyDocumentCompleted", mock.Anything, mock.MatchedBy(func(m mq.DocumentCompletedMessage) bool {
		return m.DocumentId == "d1" && m.Title == "Lease"
	})).Return(nil).Once()
	queue.On("Delete", mock.Anything, msg).Return(nil).Once()

	runConsumer(t, queue, notifier, msg)

	notifier.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestNotificationConsumer_LeavesFailedMessageForRedelivery(t *testing.T) {
	queue := new(mqmocks.MockMQ)
	notifier := new(mockNotifier)
	msg := completedMessage(t, 1)

	notifier.On("NotifyDocumentCompleted", mock.Anything, mock.Anything).Return(errors.New("webhook down")).Once()

	runConsumer(t, queue, notifier, msg)

	queue.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestNotificationConsumer_GivesUpAfterMaxReceives(t *testing.T) {
	queue := new(mqmocks.MockMQ)
	notifier := new(mockNotifier)
	msg := completedMessage(t, 3)

	notifier.On("NotifyDocumentCompleted", mock.Anything, mock.Anything).Return(errors.New("webhook down")).Once()
	queue.On("Delete", mock.Anything, msg).Return(nil).Once()

	runConsumer(t, queue, notifier, msg)

	queue.AssertExpectations(t)
}

func TestNotificationConsumer_DiscardsMalformed(t *testing.T) {
	queue := new(mqmocks.MockMQ)
	notifier := new(mockNotifier)
	msg := &mq.Message{Id: "handle-2", Body: "not json", ReceiveCount: 1}

	queue.On("Delete", mock.Anything, msg).Return(nil).Once()

	runConsumer(t, queue, notifier, msg)

	notifier.AssertNotCalled(t, "NotifyDocumentCompleted", mock.Anything, mock.Anything)
	queue.AssertExpectations(t)
}
