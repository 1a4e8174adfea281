package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/service"
)

const subprotocol = "signlink-v1"

type Handler struct {
	Service *service.Service
	Hub     *Hub
	Logger  *zap.Logger
}

func NewHandler(svc *service.Service, hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
		Logger:  logger,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == requiredOrigin
		},
		Subprotocols: []string{subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. Signing pages connect
// anonymously; staff pass their token as the second subprotocol entry.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	var token string
	protocolsSplit := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	if len(protocolsSplit) == 2 {
		token = strings.TrimSpace(protocolsSplit[1])
	}

	caller, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug("failed to upgrade ws connection", zap.Error(err))
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, caller, clientKey(caller, r), h.HandleWsMessage, h.Logger)
	h.Hub.OpenCh <- client

	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// clientKey groups connections for the connection limit: per user for
// staff, per remote host for link holders.
func clientKey(caller models.Caller, r *http.Request) string {
	if caller.IsAuthenticated() {
		return caller.ActorId()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "anonymous:" + host
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type documentMessage struct {
	DocumentId string `json:"documentId"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		h.Logger.Debug("invalid ws json", zap.String("client", client.key), zap.Error(err))
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "subscribe":
		var docMsg documentMessage
		if err := json.Unmarshal(msg.Data, &docMsg); err != nil {
			h.Logger.Debug("invalid subscribe data", zap.Error(err))
			return
		}
		resp = h.handleSubscribe(client, docMsg)

	case "unsubscribe":
		var docMsg documentMessage
		if err := json.Unmarshal(msg.Data, &docMsg); err != nil {
			h.Logger.Debug("invalid unsubscribe data", zap.Error(err))
			return
		}
		resp = h.handleUnsubscribe(client, docMsg)

	default:
		h.Logger.Debug("unknown ws message type", zap.String("type", msg.Type))
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			h.Logger.Warn("error marshaling ws response", zap.Error(err))
			return
		}
		client.Send <- respBytes
	}
}

// handleSubscribe checks the document exists and answers with its current
// status, so the client has a baseline before the first event arrives.
func (h *Handler) handleSubscribe(client *Client, docMsg documentMessage) responseMessage {
	resp := responseMessage{
		Type: "subscribe_response",
	}

	doc, err := h.Service.GetDocument(context.Background(), docMsg.DocumentId)
	if err != nil {
		resp.Data = map[string]any{"success": false, "documentId": docMsg.DocumentId, "error": service.ErrorCode(err)}
		return resp
	}

	h.Hub.SubscribeCh <- subscription{client: client, documentId: doc.Id}
	resp.Data = map[string]any{
		"success":    true,
		"documentId": doc.Id,
		"status":     doc.Status,
		"version":    doc.Version,
		"viewedAt":   doc.ViewedAt,
	}
	return resp
}

func (h *Handler) handleUnsubscribe(client *Client, docMsg documentMessage) responseMessage {
	resp := responseMessage{
		Type: "unsubscribe_response",
	}

	if docMsg.DocumentId == "" {
		resp.Data = map[string]any{"success": false, "documentId": docMsg.DocumentId, "error": service.CodeInvalidInput}
		return resp
	}

	h.Hub.UnsubscribeCh <- subscription{client: client, documentId: docMsg.DocumentId}
	resp.Data = map[string]any{"success": true, "documentId": docMsg.DocumentId}
	return resp
}
