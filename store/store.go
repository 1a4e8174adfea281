package store

import (
	"context"
	"errors"

	"github.com/zlnvch/signlink/models"
)

type SignLinkStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, provider string, providerId string) (models.User, error)

	// CreateDocument inserts a new document and fails with ErrConditionFailed
	// if the id is already taken.
	CreateDocument(ctx context.Context, doc models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	// UpdateDocument replaces the stored document only if its version still
	// equals expectedVersion, and returns it with the bumped version.
	UpdateDocument(ctx context.Context, doc models.Document, expectedVersion int64) (models.Document, error)
	DeleteDocument(ctx context.Context, id string, expectedVersion int64) error
	// Newest first.
	ListDocuments(ctx context.Context) ([]models.Document, error)
	ListOwnerDocuments(ctx context.Context, ownerUserId string) ([]models.Document, error)

	WriteAuditBatch(ctx context.Context, events []models.AuditEvent) ([]models.AuditEvent, error)
	GetAuditTrail(ctx context.Context, documentId string) ([]models.AuditEvent, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
