// Package memory is a process-local SignLinkStore for development and tests.
// It honours the same version conditions as the DynamoDB store.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/store"
)

type MemorySignLinkStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	documents map[string]models.Document
	audit     map[string][]models.AuditEvent
}

func NewMemorySignLinkStore() *MemorySignLinkStore {
	return &MemorySignLinkStore{
		users:     make(map[string]models.User),
		documents: make(map[string]models.Document),
		audit:     make(map[string][]models.AuditEvent),
	}
}

func userKey(provider string, providerId string) string {
	return provider + "#" + providerId
}

func (memStore *MemorySignLinkStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	key := userKey(user.Provider, user.ProviderId)
	if existing, ok := memStore.users[key]; ok {
		return existing, nil
	}

	userId, err := uuid.NewV4()
	if err != nil {
		return models.User{}, err
	}
	user.Id = userId.String()
	user.Created = time.Now().Unix()
	memStore.users[key] = user
	return user, nil
}

func (memStore *MemorySignLinkStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	user, ok := memStore.users[userKey(provider, providerId)]
	if !ok {
		return models.User{}, store.ErrItemNotFound
	}
	return user, nil
}

func (memStore *MemorySignLinkStore) CreateDocument(ctx context.Context, doc models.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	if _, exists := memStore.documents[doc.Id]; exists {
		return store.ErrConditionFailed
	}
	memStore.documents[doc.Id] = doc.Clone()
	return nil
}

func (memStore *MemorySignLinkStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	doc, ok := memStore.documents[id]
	if !ok {
		return models.Document{}, store.ErrItemNotFound
	}
	return doc.Clone(), nil
}

func (memStore *MemorySignLinkStore) UpdateDocument(ctx context.Context, doc models.Document, expectedVersion int64) (models.Document, error) {
	if err := doc.Validate(); err != nil {
		return models.Document{}, err
	}

	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	current, ok := memStore.documents[doc.Id]
	if !ok {
		return models.Document{}, store.ErrItemNotFound
	}
	if current.Version != expectedVersion {
		return models.Document{}, store.ErrConditionFailed
	}

	doc.Version = expectedVersion + 1
	memStore.documents[doc.Id] = doc.Clone()
	return doc.Clone(), nil
}

func (memStore *MemorySignLinkStore) DeleteDocument(ctx context.Context, id string, expectedVersion int64) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	current, ok := memStore.documents[id]
	if !ok {
		return store.ErrItemNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrConditionFailed
	}
	delete(memStore.documents, id)
	return nil
}

func (memStore *MemorySignLinkStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	return memStore.listDocuments(func(models.Document) bool { return true }), nil
}

func (memStore *MemorySignLinkStore) ListOwnerDocuments(ctx context.Context, ownerUserId string) ([]models.Document, error) {
	if ownerUserId == "" {
		return []models.Document{}, nil
	}
	return memStore.listDocuments(func(doc models.Document) bool {
		return doc.OwnerUserId == ownerUserId
	}), nil
}

func (memStore *MemorySignLinkStore) listDocuments(keep func(models.Document) bool) []models.Document {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	docs := make([]models.Document, 0, len(memStore.documents))
	for _, doc := range memStore.documents {
		if keep(doc) {
			docs = append(docs, doc.Clone())
		}
	}
	slices.SortFunc(docs, func(a, b models.Document) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
	return docs
}

func (memStore *MemorySignLinkStore) WriteAuditBatch(ctx context.Context, events []models.AuditEvent) ([]models.AuditEvent, error) {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	for _, event := range events {
		memStore.audit[event.DocumentId] = append(memStore.audit[event.DocumentId], event)
	}
	return nil, nil
}

func (memStore *MemorySignLinkStore) GetAuditTrail(ctx context.Context, documentId string) ([]models.AuditEvent, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	events := slices.Clone(memStore.audit[documentId])
	slices.SortStableFunc(events, func(a, b models.AuditEvent) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return cmp.Compare(a.EventId, b.EventId)
	})
	if events == nil {
		events = []models.AuditEvent{}
	}
	return events, nil
}
