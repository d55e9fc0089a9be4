// Package handler содержит HTTP-обработчики API реестра доноров.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/useragent"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/donor-registry/internal/middleware"
	"github.com/mmeshcher/donor-registry/internal/model"
	"github.com/mmeshcher/donor-registry/internal/repository"
	"github.com/mmeshcher/donor-registry/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCheckout(ctx context.Context, req model.CheckoutRequest) (string, error)
	ConfirmDonation(ctx context.Context, sessionID string) (*model.Donation, bool, error)
	ListPublicDonations(ctx context.Context) ([]model.PublicDonation, error)
	DonationStats(ctx context.Context) (*model.DonationStats, error)
	ListRegistry(ctx context.Context) ([]model.Record, error)
	RegisterIdentity(ctx context.Context, req model.RegistrationRequest) (*model.Identity, bool, error)
	LookupIdentity(ctx context.Context, identifier string) (*model.Identity, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
	RegisterDevice(ctx context.Context, username, deviceID, label string) ([]model.Device, error)
	LoginWithDevice(ctx context.Context, deviceID string) (*model.Session, error)
}

// Handler реализует HTTP-обработчики API реестра доноров.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	gatherer       prometheus.Gatherer

	mode        string
	frontendURL string
	now         func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMode задаёт режим работы, который сообщает /health.
func WithMode(mode string) Option {
	return func(h *Handler) { h.mode = mode }
}

// WithFrontendURL задаёт адрес фронтенда, который сообщает /health.
func WithFrontendURL(u string) Option {
	return func(h *Handler) { h.frontendURL = u }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Если gatherer равен nil, /metrics отдаёт метрики глобального реестра Prometheus.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, gatherer prometheus.Gatherer, opts ...Option) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		gatherer:       gatherer,
		mode:           "production",
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError переводит ошибку сервиса в HTTP-статус.
// Подробности сбоев процессинга и хранилища клиенту не передаются.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrEmailConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Field: "email"})
	case errors.Is(err, service.ErrUsernameConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Field: "username"})
	case errors.Is(err, service.ErrDeviceConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Field: "deviceId"})
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment session not found")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrPaymentNotCompleted):
		writeError(w, http.StatusPaymentRequired, "payment not completed")
	case errors.Is(err, service.ErrPaymentService):
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment service unavailable")
	case errors.Is(err, repository.ErrStorageUnavailable), errors.Is(err, repository.ErrVersionConflict):
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "registry temporarily unavailable")
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type healthResponse struct {
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
	Frontend  string `json:"frontend"`
}

// Health сообщает о готовности процесса, режим работы и адрес фронтенда.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Mode:      h.mode,
		Timestamp: h.now().Format(time.RFC3339),
		Frontend:  h.frontendURL,
	})
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// CreateCheckout создаёт платёжную сессию и возвращает адрес для перенаправления.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req model.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: url})
}

type confirmResponse struct {
	Created  bool            `json:"created"`
	Donation *model.Donation `json:"donation"`
}

// ConfirmDonation подтверждает оплаченную платёжную сессию.
// Новое пожертвование возвращается со статусом 201, повторное подтверждение со статусом 200.
func (h *Handler) ConfirmDonation(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId: required")
		return
	}

	donation, created, err := h.service.ConfirmDonation(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, "confirm donation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, confirmResponse{Created: created, Donation: donation})
}

// ListDonations возвращает публичную ленту пожертвований.
func (h *Handler) ListDonations(w http.ResponseWriter, r *http.Request) {
	donations, err := h.service.ListPublicDonations(r.Context())
	if err != nil {
		h.writeServiceError(w, "list donations", err)
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

// DonationStats возвращает агрегированную статистику пожертвований.
func (h *Handler) DonationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.DonationStats(r.Context())
	if err != nil {
		h.writeServiceError(w, "donation stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListRegistry возвращает все записи реестра.
func (h *Handler) ListRegistry(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRegistry(r.Context())
	if err != nil {
		h.writeServiceError(w, "list registry", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type identityResponse struct {
	Created  bool            `json:"created"`
	Identity *model.Identity `json:"identity"`
}

// RegisterIdentity создаёт или обновляет личность донора.
func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req model.RegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	identity, created, err := h.service.RegisterIdentity(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "register identity", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, identityResponse{Created: created, Identity: identity})
}

type availabilityResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

// CheckUsername сообщает, свободно ли имя пользователя.
func (h *Handler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	available, err := h.service.UsernameAvailable(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, "check username", err)
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{Username: username, Available: available})
}

type lookupRequest struct {
	Identifier string `json:"identifier"`
}

// LookupIdentity ищет личность по имени пользователя или email.
func (h *Handler) LookupIdentity(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	identity, err := h.service.LookupIdentity(r.Context(), req.Identifier)
	if err != nil {
		h.writeServiceError(w, "lookup identity", err)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

type deviceRequest struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

type devicesResponse struct {
	Devices []model.Device `json:"devices"`
}

// RegisterDevice привязывает устройство к личности.
// Если метка не передана, она формируется из заголовка User-Agent.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = deviceLabel(r.UserAgent())
	}

	devices, err := h.service.RegisterDevice(r.Context(), req.Username, req.DeviceID, label)
	if err != nil {
		h.writeServiceError(w, "register device", err)
		return
	}

	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

type loginRequest struct {
	DeviceID string `json:"deviceId"`
}

// LoginWithDevice выполняет вход с ранее привязанного устройства.
func (h *Handler) LoginWithDevice(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := h.service.LoginWithDevice(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not registered")
			return
		}
		h.writeServiceError(w, "device login", err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// Me возвращает личность, к которой привязан токен сессии.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	identity, err := h.service.LookupIdentity(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, "current identity", err)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

// deviceLabel строит читаемую метку устройства вида "Firefox on Linux".
func deviceLabel(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return ""
	}

	parsed := useragent.New(ua)
	browser, _ := parsed.Browser()
	osName := parsed.OS()

	switch {
	case browser != "" && osName != "":
		return browser + " on " + osName
	case browser != "":
		return browser
	default:
		return osName
	}
}
