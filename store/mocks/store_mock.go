package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/signlink/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	args := m.Called(ctx, provider, providerId)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) CreateDocument(ctx context.Context, doc models.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Document), args.Error(1)
}

func (m *MockStore) UpdateDocument(ctx context.Context, doc models.Document, expectedVersion int64) (models.Document, error) {
	args := m.Called(ctx, doc, expectedVersion)
	return args.Get(0).(models.Document), args.Error(1)
}

func (m *MockStore) DeleteDocument(ctx context.Context, id string, expectedVersion int64) error {
	args := m.Called(ctx, id, expectedVersion)
	return args.Error(0)
}

func (m *MockStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Document), args.Error(1)
}

func (m *MockStore) ListOwnerDocuments(ctx context.Context, ownerUserId string) ([]models.Document, error) {
	args := m.Called(ctx, ownerUserId)
	return args.Get(0).([]models.Document), args.Error(1)
}

func (m *MockStore) WriteAuditBatch(ctx context.Context, events []models.AuditEvent) ([]models.AuditEvent, error) {
	args := m.Called(ctx, events)
	return args.Get(0).([]models.AuditEvent), args.Error(1)
}

func (m *MockStore) GetAuditTrail(ctx context.Context, documentId string) ([]models.AuditEvent, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).([]models.AuditEvent), args.Error(1)
}
