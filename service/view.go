package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/signature"
)

type ViewResult struct {
	ViewedAt *time.Time `json:"viewedAt"`
	// Tracked is true only for the call that recorded the first view.
	Tracked bool `json:"tracked"`
}

// RecordViewIfEligible records the first time a counterparty opens the
// document. Staff never count as a view, and a recorded view is never
// overwritten.
func (s *Service) RecordViewIfEligible(ctx context.Context, id string, caller models.Caller) (ViewResult, error) {
	if caller.IsAuthenticated() {
		doc, err := s.GetDocument(ctx, id)
		if err != nil {
			return ViewResult{}, err
		}
		return ViewResult{ViewedAt: doc.ViewedAt, Tracked: false}, nil
	}

	updated, err := s.mutate(ctx, id, func(doc *models.Document) error {
		if doc.ViewedAt != nil {
			return errNoChange
		}
		viewedAt := now()
		doc.ViewedAt = &viewedAt
		return nil
	})
	if errors.Is(err, errNoChange) {
		// A lost race lands here too and reports the winner's timestamp
		return ViewResult{ViewedAt: updated.ViewedAt, Tracked: false}, nil
	}
	if err != nil {
		return ViewResult{}, err
	}

	s.Logger.Info("first view recorded", zap.String("document_id", id))
	s.afterTransition(updated, "viewed")
	s.recordAudit(id, models.AuditViewed, caller, nil)
	return ViewResult{ViewedAt: updated.ViewedAt, Tracked: true}, nil
}

// PreviewSignature renders the signature stored in the targeted slot.
func (s *Service) PreviewSignature(ctx context.Context, id string, target SignerTarget, width float64, height float64) (signature.Preview, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return signature.Preview{}, err
	}

	var sig *signature.Signature
	if doc.UsesParties() {
		if target.Role != models.PartySender && target.Role != models.PartyReceiver {
			return signature.Preview{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, target.Role)
		}
		sig = doc.PartySignature(target.Role)
	} else {
		idx := doc.SignerIndex(target.SignerId)
		if idx < 0 {
			return signature.Preview{}, fmt.Errorf("%w: signer %s", ErrNotFound, target.SignerId)
		}
		sig = doc.Signers[idx].SignatureData
	}
	if sig == nil {
		return signature.Preview{}, fmt.Errorf("%w: no signature for %s", ErrNotFound, target)
	}

	return signature.RenderPreview(*sig, width, height), nil
}
