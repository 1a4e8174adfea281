package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/store"
)

const (
	auditBatchSize       = 25
	maxAuditWriteRetries = 3
)

// AuditBatcher buffers audit events and writes them in batches, so a signing
// request never waits on the audit table.
type AuditBatcher struct {
	WriteCh            chan models.AuditEvent
	signLinkStore      store.SignLinkStore
	tickerMilliseconds int
	logger             *zap.Logger
}

func NewAuditBatcher(signLinkStore store.SignLinkStore, tickerMilliseconds int, logger *zap.Logger) *AuditBatcher {
	return &AuditBatcher{
		WriteCh:            make(chan models.AuditEvent, 1024), // buffer to absorb bursts
		signLinkStore:      signLinkStore,
		tickerMilliseconds: tickerMilliseconds,
		logger:             logger,
	}
}

// Enqueue hands an event to the batcher without blocking. It reports false
// when the buffer is full and the event was dropped.
func (b *AuditBatcher) Enqueue(event models.AuditEvent) bool {
	select {
	case b.WriteCh <- event:
		return true
	default:
		b.logger.Warn("audit buffer full, dropping event",
			zap.String("document_id", event.DocumentId),
			zap.String("type", string(event.Type)))
		return false
	}
}

func (b *AuditBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	batch := make([]models.AuditEvent, 0, auditBatchSize)
	attempts := make(map[string]int)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Not derived from shutdownCtx: the final flush must still complete
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		unprocessed, err := b.signLinkStore.WriteAuditBatch(ctx, batch)
		if err != nil {
			b.logger.Error("audit batch write failed", zap.Int("events", len(batch)), zap.Error(err))
		}

		written := make(map[string]struct{}, len(batch))
		for _, e := range batch {
			written[e.EventId] = struct{}{}
		}

		batch = batch[:0]
		for _, u := range unprocessed {
			delete(written, u.EventId)
			attempts[u.EventId]++
			if attempts[u.EventId] >= maxAuditWriteRetries {
				b.logger.Error("dropping audit event after retries",
					zap.String("document_id", u.DocumentId),
					zap.String("event_id", u.EventId))
				delete(attempts, u.EventId)
				continue
			}
			batch = append(batch, u)
		}
		for id := range written {
			delete(attempts, id)
		}
	}

	for {
		select {
		case event := <-b.WriteCh:
			batch = append(batch, event)
			if len(batch) >= auditBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			// Drain what is already buffered
			for {
				select {
				case event := <-b.WriteCh:
					batch = append(batch, event)
					if len(batch) >= auditBatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
