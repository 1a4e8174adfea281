package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/mq"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/store/memory"
)

func TestTransitionsPublishOnDocumentChannel(t *testing.T) {
	f := setupService(t)
	doc := newContract(t, f, owner, "a")

	sign(t, f, doc.Id, service.SignerTarget{SignerId: "a"}, drawnSig)
	channel, event := nextEvent(t, f)
	assert.Equal(t, "document:"+doc.Id, channel)
	assert.Equal(t, service.EventDocumentUpdated, event.Type)
	assert.Equal(t, "signed", event.Change)
	assert.Equal(t, models.StatusSigned, event.Status)
	assert.Equal(t, doc.Version+1, event.Version)

	f.cache.AssertCalled(t, "InvalidateDocument", mock.Anything, doc.Id, doc.Version+1)
}

func TestDeletePublishesDeletedEvent(t *testing.T) {
	f := setupService(t)
	doc := newReceipt(t, f, owner)

	require.NoError(t, f.svc.ApplyDelete(context.Background(), doc.Id, owner))
	_, event := nextEvent(t, f)
	assert.Equal(t, service.EventDocumentDeleted, event.Type)
	assert.Equal(t, doc.Id, event.DocumentId)

	f.cache.AssertCalled(t, "InvalidateDocument", mock.Anything, doc.Id, cache.DeletedVersion)
}

func TestGetAuditTrail(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	doc := newReceipt(t, f, owner)

	events := []models.AuditEvent{
		{DocumentId: doc.Id, EventId: "e1", Type: models.AuditCreated, Actor: "user:" + ownerId, At: time.Now()},
		{DocumentId: doc.Id, EventId: "e2", Type: models.AuditViewed, Actor: "anonymous", At: time.Now().Add(time.Second)},
	}
	_, err := f.store.WriteAuditBatch(ctx, events)
	require.NoError(t, err)

	trail, err := f.svc.GetAuditTrail(ctx, owner, doc.Id)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditCreated, trail[0].Type)

	_, err = f.svc.GetAuditTrail(ctx, stranger, doc.Id)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = f.svc.GetAuditTrail(ctx, models.Anonymous, doc.Id)
	assert.ErrorIs(t, err, service.ErrForbidden)

	require.NoError(t, f.svc.ApplyDelete(ctx, doc.Id, owner))

	trail, err = f.svc.GetAuditTrail(ctx, admin, doc.Id)
	require.NoError(t, err, "admins keep access to deleted documents' history")
	assert.Len(t, trail, 2)

	_, err = f.svc.GetAuditTrail(ctx, owner, doc.Id)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestNotifyCompleted(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	doc := newContract(t, f, owner, "a")

	err := f.svc.NotifyCompleted(ctx, doc)
	assert.ErrorIs(t, err, service.ErrInvalidInput, "pending documents are not announced")

	signed, completed := sign(t, f, doc.Id, service.SignerTarget{SignerId: "a"}, typedSig)
	require.True(t, completed)

	var sent string
	f.mq.On("Send", mock.Anything, mock.MatchedBy(func(body string) bool {
		return strings.Contains(body, doc.Id)
	})).Run(func(args mock.Arguments) {
		sent = args.String(1)
	}).Return(nil).Once()

	require.NoError(t, f.svc.NotifyCompleted(ctx, signed))
	f.mq.AssertExpectations(t)

	msg, err := mq.DecodeDocumentCompleted(sent)
	require.NoError(t, err)
	assert.Equal(t, doc.Id, msg.DocumentId)
	assert.Equal(t, ownerId, msg.OwnerUserId)
	assert.Equal(t, "Service agreement", msg.Title)
	assert.True(t, msg.SignedAt.Equal(*signed.SignedAt))
}

func TestNotifyCompleted_WithoutQueue(t *testing.T) {
	svc, err := service.NewService(memory.NewMemorySignLinkStore(), nil, nil, nil, nil, jwtSecret, service.Options{}, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, svc.NotifyCompleted(context.Background(), models.Document{Id: "d1"}))
}
