package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zlnvch/signlink/api/rest"
	"github.com/zlnvch/signlink/api/ws"
	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/mq"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/store"
	"github.com/zlnvch/signlink/worker"
)

const (
	auditFlushMilliseconds  = 500
	maxNotificationReceives = 5
)

type SignLinkAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

// NewSignLinkAPI starts the background workers and builds the handlers.
// notifyQueue may be nil, in which case completions are not dispatched.
func NewSignLinkAPI(
	signLinkStore store.SignLinkStore,
	signLinkCache cache.SignLinkCache,
	notifyQueue mq.MessageQueue,
	notifier worker.Notifier,
	oauthConfigs map[string]*oauth2.Config,
	jwtSecret []byte,
	options service.Options,
	logger *zap.Logger,
	shutdownCtx context.Context,
) (*SignLinkAPI, error) {
	wsHub := ws.NewHub(signLinkCache, logger)
	go wsHub.Run(shutdownCtx)

	auditBatcher := worker.NewAuditBatcher(signLinkStore, auditFlushMilliseconds, logger)
	go auditBatcher.Run(shutdownCtx)

	if notifyQueue != nil && notifier != nil {
		notificationConsumer := worker.NewNotificationConsumer(notifyQueue, notifier, maxNotificationReceives, logger)
		go notificationConsumer.Run(shutdownCtx)
	}

	svc, err := service.NewService(
		signLinkStore,
		signLinkCache,
		notifyQueue,
		auditBatcher,
		oauthConfigs,
		jwtSecret,
		options,
		logger,
	)
	if err != nil {
		logger.Error("failed to create service", zap.Error(err))
		return nil, err
	}

	return &SignLinkAPI{
		restHandler: rest.NewHandler(svc, logger),
		wsHandler:   ws.NewHandler(svc, wsHub, logger),
		shutdownCtx: shutdownCtx,
	}, nil
}

func (signLinkAPI *SignLinkAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	restHandler := signLinkAPI.restHandler
	mux.HandleFunc("POST /login", restHandler.HandleLogin)
	mux.HandleFunc("POST /login/admin", restHandler.HandleAdminLogin)

	mux.HandleFunc("GET /documents", restHandler.HandleListDocuments)
	mux.HandleFunc("POST /documents", restHandler.HandleCreateDocument)
	mux.HandleFunc("GET /documents/{id}", restHandler.HandleGetDocument)
	mux.HandleFunc("PUT /documents/{id}", restHandler.HandleUpdateDocument)
	mux.HandleFunc("DELETE /documents/{id}", restHandler.HandleDeleteDocument)
	mux.HandleFunc("POST /documents/{id}/sign", restHandler.HandleSignDocument)
	mux.HandleFunc("POST /documents/{id}/view", restHandler.HandleViewDocument)
	mux.HandleFunc("GET /documents/{id}/audit", restHandler.HandleAuditTrail)
	mux.HandleFunc("GET /documents/{id}/preview", restHandler.HandlePreview)

	wsUpgrader := signLinkAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		signLinkAPI.wsHandler.ServeWS(wsUpgrader, w, r, signLinkAPI.shutdownCtx)
	})
}
