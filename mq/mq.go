package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	// Id is the handle used to delete the message.
	Id           string
	Body         string
	ReceiveCount int
}

const DocumentCompletedType = "document_completed"

// DocumentCompletedMessage is enqueued once a signature moves a document
// into the signed state.
type DocumentCompletedMessage struct {
	Type        string    `json:"type"`
	DocumentId  string    `json:"documentId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	OwnerUserId string    `json:"ownerUserId,omitempty"`
	SignedAt    time.Time `json:"signedAt"`
}

func (m DocumentCompletedMessage) Encode() (string, error) {
	m.Type = DocumentCompletedType
	body, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func DecodeDocumentCompleted(body string) (DocumentCompletedMessage, error) {
	var m DocumentCompletedMessage
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return DocumentCompletedMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type != DocumentCompletedType {
		return DocumentCompletedMessage{}, fmt.Errorf("unexpected message type %q", m.Type)
	}
	if m.DocumentId == "" {
		return DocumentCompletedMessage{}, fmt.Errorf("message without document id")
	}
	return m, nil
}
