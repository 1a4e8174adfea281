package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/signature"
	"github.com/zlnvch/signlink/store"
)

// errNoChange ends a mutation without writing.
var errNoChange = errors.New("no change")

// mutate runs a read-modify-write on one document under compare-and-swap.
// On a version conflict fn runs again on fresh state, so every guard it
// applies is re-checked against what the winner wrote.
func (s *Service) mutate(ctx context.Context, id string, fn func(doc *models.Document) error) (models.Document, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.Store.GetDocument(ctx, id)
		if err != nil {
			return models.Document{}, storeError(id, err)
		}

		expectedVersion := current.Version
		if err := fn(&current); err != nil {
			return current, err
		}

		updated, err := s.Store.UpdateDocument(ctx, current, expectedVersion)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return models.Document{}, storeError(id, err)
		}

		if attempt >= s.Options.MaxUpdateAttempts {
			s.Logger.Warn("update retries exhausted", zap.String("document_id", id), zap.Int("attempts", attempt))
			return models.Document{}, ErrStoreConflict
		}
		if err := conflictBackoff(ctx, attempt); err != nil {
			return models.Document{}, err
		}
	}
}

func conflictBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*time.Millisecond + time.Duration(rand.Int63n(int64(2*time.Millisecond)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type CreateDocumentInput struct {
	Payload models.Payload
	// Contracts only. Ids may be left empty and are generated.
	Signers []models.Signer
}

// CreateDocument authors a new pending document. Users own what they
// create; admin and anonymous documents have no owner.
func (s *Service) CreateDocument(ctx context.Context, caller models.Caller, input CreateDocumentInput) (models.Document, error) {
	// 1. Validation
	if input.Payload == nil {
		return models.Document{}, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	isContract := input.Payload.Kind() == models.KindContract
	if isContract && len(input.Signers) == 0 {
		return models.Document{}, fmt.Errorf("%w: a contract needs at least one signer", ErrInvalidInput)
	}
	if !isContract && len(input.Signers) > 0 {
		return models.Document{}, fmt.Errorf("%w: %s documents have no signer list", ErrInvalidInput, input.Payload.Kind())
	}

	signers, err := authorSigners(input.Signers)
	if err != nil {
		return models.Document{}, err
	}

	docId, err := uuid.NewV4()
	if err != nil {
		return models.Document{}, err
	}

	// 2. Build
	doc := models.Document{
		Id:        docId.String(),
		Signers:   signers,
		Status:    models.StatusPending,
		CreatedAt: now(),
		Version:   1,
	}
	if caller.Kind == models.CallerUser {
		doc.OwnerUserId = caller.UserId
	}
	if err := models.SetPayload(&doc, input.Payload); err != nil {
		return models.Document{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	// 3. Persist
	if err := s.Store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, models.ErrInvalidDocument) {
			return models.Document{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return models.Document{}, err
	}

	s.Logger.Info("document created",
		zap.String("document_id", doc.Id),
		zap.String("kind", string(doc.Kind())),
		zap.String("actor", caller.ActorId()))
	s.recordAudit(doc.Id, models.AuditCreated, caller, map[string]string{"kind": string(doc.Kind())})

	return doc, nil
}

// authorSigners fixes the slot list at authoring time. Slots always start
// unsigned.
func authorSigners(in []models.Signer) ([]models.Signer, error) {
	if len(in) == 0 {
		return nil, nil
	}

	out := make([]models.Signer, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, signer := range in {
		signer.Id = strings.TrimSpace(signer.Id)
		if signer.Id == "" {
			slotId, err := uuid.NewV4()
			if err != nil {
				return nil, err
			}
			signer.Id = slotId.String()
		}
		if _, dup := seen[signer.Id]; dup {
			return nil, fmt.Errorf("%w: duplicate signer id %q", ErrInvalidInput, signer.Id)
		}
		seen[signer.Id] = struct{}{}

		signer.Role = strings.TrimSpace(signer.Role)
		signer.Name = strings.TrimSpace(signer.Name)
		signer.Signed = false
		signer.SignatureData = nil
		signer.SignedAt = nil
		out = append(out, signer)
	}
	return out, nil
}

// GetDocument reads through the document cache.
func (s *Service) GetDocument(ctx context.Context, id string) (models.Document, error) {
	if data, ok, err := s.Cache.GetDocument(ctx, id); err != nil {
		s.Logger.Debug("document cache read failed", zap.String("document_id", id), zap.Error(err))
	} else if ok {
		var doc models.Document
		if err := json.Unmarshal(data, &doc); err == nil {
			return doc, nil
		}
		s.Logger.Warn("discarding undecodable cached document", zap.String("document_id", id))
	}

	doc, err := s.Store.GetDocument(ctx, id)
	if err != nil {
		return models.Document{}, storeError(id, err)
	}

	if data, err := json.Marshal(doc); err == nil {
		if err := s.Cache.SetDocument(ctx, id, doc.Version, data); err != nil {
			s.Logger.Debug("document cache write failed", zap.String("document_id", id), zap.Error(err))
		}
	}
	return doc, nil
}

// ApplyEdit replaces the active payload. Signers, signatures and status are
// left untouched.
func (s *Service) ApplyEdit(ctx context.Context, id string, caller models.Caller, payload models.Payload) (models.Document, error) {
	if payload == nil {
		return models.Document{}, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}

	updated, err := s.mutate(ctx, id, func(doc *models.Document) error {
		if err := CanEdit(caller, *doc); err != nil {
			return err
		}
		if err := models.SetPayload(doc, payload); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil
	})
	if err != nil {
		return models.Document{}, err
	}

	s.afterTransition(updated, "edited")
	s.recordAudit(id, models.AuditEdited, caller, map[string]string{"kind": string(updated.Kind())})
	return updated, nil
}

// ApplyDelete removes the document. The delete is conditional on the
// version that passed the guard, so a signature completing the document in
// between is seen on the retry.
func (s *Service) ApplyDelete(ctx context.Context, id string, caller models.Caller) error {
	for attempt := 1; ; attempt++ {
		doc, err := s.Store.GetDocument(ctx, id)
		if err != nil {
			return storeError(id, err)
		}
		if err := CanDelete(caller, doc); err != nil {
			return err
		}

		err = s.Store.DeleteDocument(ctx, id, doc.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return storeError(id, err)
		}
		if attempt >= s.Options.MaxUpdateAttempts {
			return ErrStoreConflict
		}
		if err := conflictBackoff(ctx, attempt); err != nil {
			return err
		}
	}

	s.Logger.Info("document deleted", zap.String("document_id", id), zap.String("actor", caller.ActorId()))
	s.invalidate(id, cache.DeletedVersion)
	s.publishEvent(DocumentEvent{Type: EventDocumentDeleted, DocumentId: id, At: now()})
	s.recordAudit(id, models.AuditDeleted, caller, nil)
	return nil
}

// ApplySignature validates sig, places it into the targeted slot and
// recomputes the status. completed reports whether this call moved the
// document into the signed state; at most one call per document does.
func (s *Service) ApplySignature(ctx context.Context, id string, target SignerTarget, raw []byte) (models.Document, bool, error) {
	// 1. Validate before touching the document
	sig, err := signature.Parse(raw)
	if err != nil {
		return models.Document{}, false, err
	}

	var completed bool
	updated, err := s.mutate(ctx, id, func(doc *models.Document) error {
		completed = false

		// 2. Guard the slot on the state read in this attempt
		if err := CanSign(*doc, target); err != nil {
			return err
		}

		previous := models.DeriveStatus(*doc)
		signedAt := now()

		// 3. Fill the slot
		stored := sig.Clone()
		if doc.UsesParties() {
			switch target.Role {
			case models.PartySender:
				doc.SignatureSender = &stored
				doc.SenderSignedAt = &signedAt
			case models.PartyReceiver:
				doc.SignatureReceiver = &stored
				doc.ReceiverSignedAt = &signedAt
			}
		} else {
			slot := &doc.Signers[doc.SignerIndex(target.SignerId)]
			slot.Signed = true
			slot.SignatureData = &stored
			slot.SignedAt = &signedAt
		}

		// 4. Recompute, never trust the stored status
		doc.Status = models.DeriveStatus(*doc)

		// 5. Completion instant
		if doc.Status == models.StatusSigned && previous != models.StatusSigned {
			completedAt := signedAt
			doc.SignedAt = &completedAt
			completed = true
		}
		return nil
	})
	if err != nil {
		return models.Document{}, false, err
	}

	s.Logger.Info("signature applied",
		zap.String("document_id", id),
		zap.String("target", target.String()),
		zap.String("status", string(updated.Status)),
		zap.Bool("completed", completed))

	s.afterTransition(updated, "signed")
	s.recordAudit(id, models.AuditSigned, models.Anonymous, map[string]string{
		"target": target.String(),
		"type":   string(sig.Type),
	})
	if completed {
		s.recordAudit(id, models.AuditCompleted, models.Anonymous, nil)
	}
	return updated, completed, nil
}

// ListDocuments returns what caller may see: everything for admins, owned
// documents for users, nothing for anonymous callers.
func (s *Service) ListDocuments(ctx context.Context, caller models.Caller) ([]models.Document, error) {
	switch {
	case caller.IsAdmin():
		return s.Store.ListDocuments(ctx)
	case caller.Kind == models.CallerUser && caller.UserId != "":
		return s.Store.ListOwnerDocuments(ctx, caller.UserId)
	default:
		return []models.Document{}, nil
	}
}
