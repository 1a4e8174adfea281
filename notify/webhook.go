package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/mq"
)

// WebhookNotifier posts completion events to a single configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type completedPayload struct {
	Event       string    `json:"event"`
	DocumentId  string    `json:"documentId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	OwnerUserId string    `json:"ownerUserId,omitempty"`
	SignedAt    time.Time `json:"signedAt"`
}

func (n *WebhookNotifier) NotifyDocumentCompleted(ctx context.Context, msg mq.DocumentCompletedMessage) error {
	body, err := json.Marshal(completedPayload{
		Event:       msg.Type,
		DocumentId:  msg.DocumentId,
		Kind:        msg.Kind,
		Title:       msg.Title,
		OwnerUserId: msg.OwnerUserId,
		SignedAt:    msg.SignedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier only logs; it stands in when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyDocumentCompleted(ctx context.Context, msg mq.DocumentCompletedMessage) error {
	n.logger.Info("document completed",
		zap.String("document_id", msg.DocumentId),
		zap.String("kind", msg.Kind),
		zap.Time("signed_at", msg.SignedAt))
	return nil
}
