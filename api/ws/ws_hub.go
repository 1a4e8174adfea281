package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/service"
)

type subscription struct {
	client     *Client
	documentId string
}

type broadcast struct {
	documentId string
	message    []byte
}

// documentSubscription is the one cache subscription shared by every client
// watching a document.
type documentSubscription struct {
	cancel context.CancelFunc
}

type subscribeFailure struct {
	documentId string
	sub        *documentSubscription
	err        error
}

// Hub tracks connected clients and fans document events out to the clients
// subscribed to each document. All hub state is owned by Run.
type Hub struct {
	signLinkCache     cache.SignLinkCache
	logger            *zap.Logger
	OpenCh            chan *Client
	CloseCh           chan *Client
	SubscribeCh       chan subscription
	UnsubscribeCh     chan subscription
	broadcastCh       chan broadcast
	failedCh          chan subscribeFailure
	keyToClients      map[string]map[*Client]struct{}
	docToClients      map[string]map[*Client]struct{}
	docToSubscription map[string]*documentSubscription
}

func NewHub(signLinkCache cache.SignLinkCache, logger *zap.Logger) *Hub {
	return &Hub{
		signLinkCache:     signLinkCache,
		logger:            logger,
		OpenCh:            make(chan *Client),
		CloseCh:           make(chan *Client, 256),
		SubscribeCh:       make(chan subscription, 1024),
		UnsubscribeCh:     make(chan subscription, 1024),
		broadcastCh:       make(chan broadcast, 1024),
		failedCh:          make(chan subscribeFailure, 64),
		keyToClients:      make(map[string]map[*Client]struct{}),
		docToClients:      make(map[string]map[*Client]struct{}),
		docToSubscription: make(map[string]*documentSubscription),
	}
}

const (
	maxConnectionsPerKey          = 5
	maxSubscriptionsPerConnection = 50
)

func (h *Hub) Run(shutdownCtx context.Context) {
	for {
		select {
		case client := <-h.OpenCh:
			if _, ok := h.keyToClients[client.key]; !ok {
				h.keyToClients[client.key] = make(map[*Client]struct{})
			}

			if len(h.keyToClients[client.key]) >= maxConnectionsPerKey {
				h.logger.Info("connection limit reached", zap.String("client", client.key), zap.Int("limit", maxConnectionsPerKey))
				client.refuse("Too many connections")
				continue
			}

			h.keyToClients[client.key][client] = struct{}{}

		case client := <-h.CloseCh:
			if _, open := h.keyToClients[client.key][client]; !open {
				// Refused at open time
				close(client.Send)
				continue
			}
			for documentId := range client.subscribedDocs {
				h.removeSubscriber(documentId, client)
			}
			delete(h.keyToClients[client.key], client)
			if len(h.keyToClients[client.key]) == 0 {
				delete(h.keyToClients, client.key)
			}
			close(client.Send)

		case sub := <-h.SubscribeCh:
			h.addSubscriber(sub)

		case unsub := <-h.UnsubscribeCh:
			h.removeSubscriber(unsub.documentId, unsub.client)

		case b := <-h.broadcastCh:
			for client := range h.docToClients[b.documentId] {
				select {
				case client.Send <- b.message:
				default:
					h.logger.Debug("dropping event for slow client", zap.String("client", client.key))
				}
			}
			if isDeletedEvent(b.message) {
				for client := range h.docToClients[b.documentId] {
					h.removeSubscriber(b.documentId, client)
				}
			}

		case failure := <-h.failedCh:
			// A later subscription may have replaced the failed one
			if h.docToSubscription[failure.documentId] != failure.sub {
				continue
			}
			h.logger.Warn("failed to subscribe to document channel",
				zap.String("document_id", failure.documentId), zap.Error(failure.err))
			notice := subscriptionLostMessage(failure.documentId)
			for client := range h.docToClients[failure.documentId] {
				select {
				case client.Send <- notice:
				default:
				}
				h.removeSubscriber(failure.documentId, client)
			}

		case <-shutdownCtx.Done():
			for documentId, sub := range h.docToSubscription {
				sub.cancel()
				delete(h.docToSubscription, documentId)
			}
			return
		}
	}
}

func (h *Hub) addSubscriber(sub subscription) {
	// Subscribe can arrive after the client has already closed
	if _, open := h.keyToClients[sub.client.key][sub.client]; !open {
		return
	}
	if _, ok := sub.client.subscribedDocs[sub.documentId]; ok {
		return
	}
	if len(sub.client.subscribedDocs) >= maxSubscriptionsPerConnection {
		h.logger.Info("subscription limit reached", zap.String("client", sub.client.key), zap.Int("limit", maxSubscriptionsPerConnection))
		return
	}

	if h.docToClients[sub.documentId] == nil {
		h.docToClients[sub.documentId] = make(map[*Client]struct{})
		h.docToSubscription[sub.documentId] = h.subscribeDocument(sub.documentId)
	}
	h.docToClients[sub.documentId][sub.client] = struct{}{}
	sub.client.subscribedDocs[sub.documentId] = struct{}{}
}

func (h *Hub) removeSubscriber(documentId string, client *Client) {
	delete(h.docToClients[documentId], client)
	delete(client.subscribedDocs, documentId)
	if len(h.docToClients[documentId]) == 0 {
		if sub, ok := h.docToSubscription[documentId]; ok {
			sub.cancel()
			delete(h.docToSubscription, documentId)
		}
		delete(h.docToClients, documentId)
	}
}

// subscribeDocument opens the cache subscription for a document without
// blocking Run on the round trip. Failures come back on failedCh.
func (h *Hub) subscribeDocument(documentId string) *documentSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &documentSubscription{cancel: cancel}
	channel := cache.DocumentChannel(documentId)

	go func() {
		// The handler runs on the pubsub goroutine; hand the message to Run
		err := h.signLinkCache.Subscribe(ctx, channel, func(messageBytes []byte) {
			select {
			case h.broadcastCh <- broadcast{documentId: documentId, message: messageBytes}:
			case <-ctx.Done():
			}
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case h.failedCh <- subscribeFailure{documentId: documentId, sub: sub, err: err}:
		case <-ctx.Done():
		}
	}()
	return sub
}

func subscriptionLostMessage(documentId string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "subscription_lost",
		"data": map[string]string{"documentId": documentId},
	})
	return data
}

func isDeletedEvent(message []byte) bool {
	var event struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(message, &event) == nil && event.Type == service.EventDocumentDeleted
}
