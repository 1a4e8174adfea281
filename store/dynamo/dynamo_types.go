package dynamo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zlnvch/signlink/models"
)

const (
	documentEntityType = "DOCUMENT"
	documentSK         = "DOCUMENT"
	userSK             = "PROFILE"

	gsiAllDocuments   = "GSI_AllDocuments"
	gsiOwnerDocuments = "GSI_OwnerDocuments"
)

func userPK(provider string, providerId string) string {
	return "USER#" + provider + "#" + providerId
}

func documentPK(id string) string {
	return "DOC#" + id
}

func auditPK(documentId string) string {
	return "AUDIT#" + documentId
}

type dynamoUser struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         string `dynamodbav:"Id"`
	Provider   string `dynamodbav:"Provider"`
	ProviderId string `dynamodbav:"ProviderId"`
	Username   string `dynamodbav:"Username"`
	Role       string `dynamodbav:"Role"`
	Created    int64  `dynamodbav:"Created"`
}

// Map domain User -> Dynamo
func userToDynamo(u models.User) dynamoUser {
	return dynamoUser{
		PK:         userPK(u.Provider, u.ProviderId),
		SK:         userSK,
		Id:         u.Id,
		Provider:   u.Provider,
		ProviderId: u.ProviderId,
		Username:   u.Username,
		Role:       string(u.Role),
		Created:    u.Created,
	}
}

// Map Dynamo -> domain User
func userFromDynamo(du dynamoUser) models.User {
	return models.User{
		Id:         du.Id,
		Username:   du.Username,
		Provider:   du.Provider,
		ProviderId: du.ProviderId,
		Role:       models.UserRole(du.Role),
		Created:    du.Created,
	}
}

// dynamoDocument keeps the indexed attributes flat and the document itself
// as a JSON body, so the stored shape matches the wire shape.
type dynamoDocument struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"EntityType"`
	OwnerUserId string `dynamodbav:"OwnerUserId,omitempty"` // sparse GSI_OwnerDocuments key
	Kind        string `dynamodbav:"Kind"`
	Status      string `dynamodbav:"Status"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	Version     int64  `dynamodbav:"Version"`
	Body        []byte `dynamodbav:"Body"`
}

// Map domain Document -> Dynamo
func documentToDynamo(doc models.Document) (dynamoDocument, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return dynamoDocument{}, fmt.Errorf("marshal document: %w", err)
	}
	return dynamoDocument{
		PK:          documentPK(doc.Id),
		SK:          documentSK,
		EntityType:  documentEntityType,
		OwnerUserId: doc.OwnerUserId,
		Kind:        string(doc.Kind()),
		Status:      string(doc.Status),
		CreatedAt:   doc.CreatedAt.UnixMilli(),
		Version:     doc.Version,
		Body:        body,
	}, nil
}

// Map Dynamo -> domain Document
func documentFromDynamo(dd dynamoDocument) (models.Document, error) {
	var doc models.Document
	if err := json.Unmarshal(dd.Body, &doc); err != nil {
		return models.Document{}, fmt.Errorf("unmarshal document %s: %w", dd.PK, err)
	}
	// The attribute is authoritative for the version used by conditions.
	doc.Version = dd.Version
	return doc, nil
}

type dynamoAuditEvent struct {
	PK     string            `dynamodbav:"PK"`
	SK     string            `dynamodbav:"SK"` // event id, UUIDv7 so the trail sorts by time
	Type   string            `dynamodbav:"Type"`
	Actor  string            `dynamodbav:"Actor"`
	At     string            `dynamodbav:"At"`
	Detail map[string]string `dynamodbav:"Detail,omitempty"`
}

// Map domain AuditEvent -> Dynamo
func auditEventToDynamo(e models.AuditEvent) dynamoAuditEvent {
	return dynamoAuditEvent{
		PK:     auditPK(e.DocumentId),
		SK:     e.EventId,
		Type:   string(e.Type),
		Actor:  e.Actor,
		At:     e.At.UTC().Format(time.RFC3339Nano),
		Detail: e.Detail,
	}
}

// Map Dynamo -> domain AuditEvent
func auditEventFromDynamo(de dynamoAuditEvent) models.AuditEvent {
	at, _ := time.Parse(time.RFC3339Nano, de.At)
	documentId := de.PK
	if len(documentId) > 6 && documentId[:6] == "AUDIT#" {
		documentId = documentId[6:]
	}
	return models.AuditEvent{
		DocumentId: documentId,
		EventId:    de.SK,
		Type:       models.AuditEventType(de.Type),
		Actor:      de.Actor,
		At:         at,
		Detail:     de.Detail,
	}
}
