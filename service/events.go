package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/mq"
)

const (
	EventDocumentUpdated = "document_updated"
	EventDocumentDeleted = "document_deleted"
)

// DocumentEvent is published on the document's channel after every
// transition.
type DocumentEvent struct {
	Type       string        `json:"type"`
	DocumentId string        `json:"documentId"`
	Change     string        `json:"change,omitempty"`
	Status     models.Status `json:"status,omitempty"`
	Version    int64         `json:"version,omitempty"`
	At         time.Time     `json:"at"`
}

// afterTransition drops the cached copy before returning, so the caller's
// next read sees the write, and publishes asynchronously.
func (s *Service) afterTransition(doc models.Document, change string) {
	s.invalidate(doc.Id, doc.Version)
	s.publishEvent(DocumentEvent{
		Type:       EventDocumentUpdated,
		DocumentId: doc.Id,
		Change:     change,
		Status:     doc.Status,
		Version:    doc.Version,
		At:         now(),
	})
}

func (s *Service) invalidate(id string, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Cache.InvalidateDocument(ctx, id, version); err != nil {
		s.Logger.Warn("document cache invalidation failed", zap.String("document_id", id), zap.Error(err))
	}
}

func (s *Service) publishEvent(event DocumentEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Async side-effect - return to caller as soon as the store operation is done
	go func() {
		if err := s.Cache.Publish(context.Background(), cache.DocumentChannel(event.DocumentId), data); err != nil {
			s.Logger.Warn("publish document event failed", zap.String("document_id", event.DocumentId), zap.Error(err))
		}
	}()
}

func (s *Service) recordAudit(documentId string, eventType models.AuditEventType, caller models.Caller, detail map[string]string) {
	if s.AuditBatcher == nil {
		return
	}

	eventId, err := uuid.NewV7()
	if err != nil {
		s.Logger.Warn("audit event id generation failed", zap.Error(err))
		return
	}

	s.AuditBatcher.Enqueue(models.AuditEvent{
		DocumentId: documentId,
		EventId:    eventId.String(),
		Type:       eventType,
		Actor:      caller.ActorId(),
		At:         now(),
		Detail:     detail,
	})
}

// GetAuditTrail returns the document's history to its owner or an admin.
// Admins can still read the trail of a deleted document.
func (s *Service) GetAuditTrail(ctx context.Context, caller models.Caller, id string) ([]models.AuditEvent, error) {
	doc, err := s.Store.GetDocument(ctx, id)
	switch {
	case err == nil:
		if !CanMutate(caller, doc) {
			return nil, ErrForbidden
		}
	case errors.Is(storeError(id, err), ErrNotFound) && caller.IsAdmin():
	default:
		return nil, storeError(id, err)
	}

	return s.Store.GetAuditTrail(ctx, id)
}

// NotifyCompleted enqueues the completion notification for a document that
// ApplySignature reported as completed. Delivery happens in the
// notification worker.
func (s *Service) NotifyCompleted(ctx context.Context, doc models.Document) error {
	if s.MQ == nil {
		return nil
	}
	if doc.Status != models.StatusSigned || doc.SignedAt == nil {
		return fmt.Errorf("%w: document %s is not completed", ErrInvalidInput, doc.Id)
	}

	body, err := mq.DocumentCompletedMessage{
		DocumentId:  doc.Id,
		Kind:        string(doc.Kind()),
		Title:       doc.Title(),
		OwnerUserId: doc.OwnerUserId,
		SignedAt:    *doc.SignedAt,
	}.Encode()
	if err != nil {
		return err
	}
	return s.MQ.Send(ctx, body)
}
