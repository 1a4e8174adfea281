package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/signlink/models"
)

// DynamoDB caps BatchWriteItem at 25 requests.
const maxBatchWrite = 25

type DynamoSignLinkStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSignLinkStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSignLinkStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSignLinkStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoSignLinkStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	userId, err := uuid.NewV4()
	if err != nil {
		return models.User{}, err
	}
	user.Id = userId.String()

	du := userToDynamo(user)
	du.Created = time.Now().Unix()
	du, _, err = ensureItem(dynamoStore, ctx, du)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoSignLinkStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	du, err := getItem[dynamoUser](dynamoStore, ctx, userPK(provider, providerId), userSK, false)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoSignLinkStore) CreateDocument(ctx context.Context, doc models.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	dd, err := documentToDynamo(doc)
	if err != nil {
		return err
	}
	return putNewItem(dynamoStore, ctx, dd)
}

func (dynamoStore *DynamoSignLinkStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	// Strongly consistent so the version read here is the one conditions see
	dd, err := getItem[dynamoDocument](dynamoStore, ctx, documentPK(id), documentSK, true)
	if err != nil {
		return models.Document{}, err
	}
	return documentFromDynamo(dd)
}

func (dynamoStore *DynamoSignLinkStore) UpdateDocument(ctx context.Context, doc models.Document, expectedVersion int64) (models.Document, error) {
	if err := doc.Validate(); err != nil {
		return models.Document{}, err
	}

	doc.Version = expectedVersion + 1
	dd, err := documentToDynamo(doc)
	if err != nil {
		return models.Document{}, err
	}

	if err := putItemIfVersion(dynamoStore, ctx, dd, expectedVersion); err != nil {
		return models.Document{}, err
	}
	return doc, nil
}

func (dynamoStore *DynamoSignLinkStore) DeleteDocument(ctx context.Context, id string, expectedVersion int64) error {
	return deleteItemIfVersion(dynamoStore, ctx, documentPK(id), documentSK, expectedVersion)
}

func (dynamoStore *DynamoSignLinkStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	items, err := queryAllByGSI[dynamoDocument](dynamoStore, ctx, gsiAllDocuments, "EntityType", documentEntityType, false)
	if err != nil {
		return nil, err
	}
	return documentsFromDynamo(items)
}

func (dynamoStore *DynamoSignLinkStore) ListOwnerDocuments(ctx context.Context, ownerUserId string) ([]models.Document, error) {
	items, err := queryAllByGSI[dynamoDocument](dynamoStore, ctx, gsiOwnerDocuments, "OwnerUserId", ownerUserId, false)
	if err != nil {
		return nil, err
	}
	return documentsFromDynamo(items)
}

func documentsFromDynamo(items []dynamoDocument) ([]models.Document, error) {
	docs := make([]models.Document, 0, len(items))
	for _, item := range items {
		doc, err := documentFromDynamo(item)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (dynamoStore *DynamoSignLinkStore) WriteAuditBatch(ctx context.Context, events []models.AuditEvent) ([]models.AuditEvent, error) {
	var writeRequests []types.WriteRequest
	for _, event := range events {
		avMap, err := attributevalue.MarshalMap(auditEventToDynamo(event))
		if err != nil {
			return events, fmt.Errorf("marshal error: %w", err)
		}

		writeRequests = append(writeRequests, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: avMap,
			},
		})
	}

	var unbatched []models.AuditEvent
	for i := 0; i < len(writeRequests); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(writeRequests))

		unprocessed, err := writeBatchRequests[dynamoAuditEvent](dynamoStore, ctx, writeRequests[i:end])
		for _, u := range unprocessed {
			unbatched = append(unbatched, auditEventFromDynamo(u))
		}
		if err != nil {
			// Nothing after this chunk was attempted
			unbatched = append(unbatched, events[end:]...)
			return unbatched, err
		}
	}

	return unbatched, nil
}

func (dynamoStore *DynamoSignLinkStore) GetAuditTrail(ctx context.Context, documentId string) ([]models.AuditEvent, error) {
	items, err := queryAllByPK[dynamoAuditEvent](dynamoStore, ctx, auditPK(documentId), true)
	if err != nil {
		return nil, err
	}

	events := make([]models.AuditEvent, 0, len(items))
	for _, item := range items {
		events = append(events, auditEventFromDynamo(item))
	}
	return events, nil
}
