package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/signature"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxPreviewDimension = 4096
)

type Handler struct {
	Service *service.Service
	Logger  *zap.Logger
}

func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	return &Handler{Service: svc, Logger: logger}
}

type loginRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
}

type loginResponse struct {
	Username string          `json:"username"`
	Id       string          `json:"id"`
	Provider string          `json:"provider"`
	Role     models.UserRole `json:"role"`
	Token    string          `json:"token"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	user, token, err := h.Service.Login(r.Context(), req.Provider, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.sendResponse(w, http.StatusOK, loginResponse{
		Username: user.Username,
		Id:       user.Id,
		Provider: user.Provider,
		Role:     user.Role,
		Token:    token,
	})
}

type adminLoginRequest struct {
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Token string `json:"token"`
}

func (h *Handler) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	token, err := h.Service.AdminLogin(r.Context(), remoteHost(r), req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, adminLoginResponse{Token: token})
}

// payloadRequest carries exactly one of the three payload fields, selected
// by kind.
type payloadRequest struct {
	Kind        models.Kind     `json:"kind"`
	LegacyInfo  json.RawMessage `json:"legacyInfo"`
	ReceiptData json.RawMessage `json:"receiptData"`
	Document    json.RawMessage `json:"document"`
}

func (p payloadRequest) payload() (models.Payload, error) {
	fields := map[models.Kind]json.RawMessage{
		models.KindLegacyReceipt: p.LegacyInfo,
		models.KindReceipt:       p.ReceiptData,
		models.KindContract:      p.Document,
	}
	for kind, raw := range fields {
		if kind != p.Kind && len(raw) > 0 && string(raw) != "null" {
			return nil, fmt.Errorf("%w: %s document carries a %s payload", service.ErrInvalidInput, p.Kind, kind)
		}
	}

	payload, err := models.DecodePayload(p.Kind, fields[p.Kind])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrInvalidInput, err)
	}
	return payload, nil
}

type createDocumentRequest struct {
	payloadRequest
	Signers []models.Signer `json:"signers"`
}

type listDocumentsResponse struct {
	Documents []models.Document `json:"documents"`
}

func (h *Handler) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	docs, err := h.Service.ListDocuments(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, listDocumentsResponse{Documents: docs})
}

func (h *Handler) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createDocumentRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	payload, err := req.payload()
	if err != nil {
		h.writeError(w, err)
		return
	}

	doc, err := h.Service.CreateDocument(r.Context(), caller, service.CreateDocumentInput{
		Payload: payload,
		Signers: req.Signers,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusCreated, doc)
}

// HandleGetDocument is open to anyone holding the id; the id is the link.
func (h *Handler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Service.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, doc)
}

func (h *Handler) HandleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req payloadRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	payload, err := req.payload()
	if err != nil {
		h.writeError(w, err)
		return
	}

	doc, err := h.Service.ApplyEdit(r.Context(), r.PathValue("id"), caller, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, doc)
}

type deleteDocumentResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.Service.ApplyDelete(r.Context(), r.PathValue("id"), caller); err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, deleteDocumentResponse{Success: true})
}

type signRequest struct {
	SignerId  string          `json:"signerId"`
	Role      models.Party    `json:"role"`
	Signature json.RawMessage `json:"signature"`
}

type signResponse struct {
	Document  models.Document `json:"document"`
	Completed bool            `json:"completed"`
}

func (h *Handler) HandleSignDocument(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	target := service.SignerTarget{SignerId: strings.TrimSpace(req.SignerId), Role: req.Role}
	doc, completed, err := h.Service.ApplySignature(r.Context(), r.PathValue("id"), target, req.Signature)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if completed {
		// The signature is committed; a failed enqueue must not fail the request
		if err := h.Service.NotifyCompleted(context.WithoutCancel(r.Context()), doc); err != nil {
			h.Logger.Warn("completion notification enqueue failed", zap.String("document_id", doc.Id), zap.Error(err))
		}
	}

	h.sendResponse(w, http.StatusOK, signResponse{Document: doc, Completed: completed})
}

func (h *Handler) HandleViewDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	result, err := h.Service.RecordViewIfEligible(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, result)
}

type auditTrailResponse struct {
	Events []models.AuditEvent `json:"events"`
}

func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	events, err := h.Service.GetAuditTrail(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, auditTrailResponse{Events: events})
}

func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := service.SignerTarget{
		SignerId: strings.TrimSpace(query.Get("signer")),
		Role:     models.Party(query.Get("role")),
	}

	width, err := previewDimension(query.Get("width"), signature.DefaultPreviewWidth)
	if err != nil {
		h.writeError(w, err)
		return
	}
	height, err := previewDimension(query.Get("height"), signature.DefaultPreviewHeight)
	if err != nil {
		h.writeError(w, err)
		return
	}

	preview, err := h.Service.PreviewSignature(r.Context(), r.PathValue("id"), target, width, height)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, preview)
}

func previewDimension(value string, fallback float64) (float64, error) {
	if value == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v <= 0 || v > maxPreviewDimension {
		return 0, fmt.Errorf("%w: preview dimension %q", service.ErrInvalidInput, value)
	}
	return v, nil
}

// authenticate resolves the caller. A missing token is an anonymous link
// holder; a bad token is rejected.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		h.writeError(w, err)
		return models.Caller{}, false
	}
	return caller, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", service.ErrInvalidInput)
	}
	return nil
}

type errorResponse struct {
	Error   service.Code `json:"error"`
	Message string       `json:"message"`
}

func statusForCode(code service.Code) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeFullySigned, service.CodeAlreadySigned:
		return http.StatusConflict
	case service.CodeInvalidSignature:
		return http.StatusUnprocessableEntity
	case service.CodeInvalidInput:
		return http.StatusBadRequest
	case service.CodeStoreConflict:
		return http.StatusServiceUnavailable
	case service.CodeUnauthorized:
		return http.StatusUnauthorized
	case service.CodeLockedOut:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := service.ErrorCode(err)
	status := statusForCode(code)

	message := err.Error()
	switch code {
	case service.CodeInternal:
		h.Logger.Error("request failed", zap.Error(err))
		message = "internal error"
	case service.CodeStoreConflict:
		w.Header().Set("Retry-After", "1")
	case service.CodeInvalidSignature:
		if reason, ok := signature.ReasonOf(err); ok {
			message = string(reason)
		}
	}
	if errors.Is(err, service.ErrUnauthorized) {
		// Token and password failures are not explained to the client
		message = "unauthorized"
	}

	h.sendResponse(w, status, errorResponse{Error: code, Message: message})
}

// sendResponse encodes before writing the status, so an unencodable body
// becomes a 500 instead of an empty 200.
func (h *Handler) sendResponse(w http.ResponseWriter, status int, resp any) {
	body, err := json.Marshal(resp)
	if err != nil {
		h.Logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: service.CodeInternal, Message: "internal error"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		h.Logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
