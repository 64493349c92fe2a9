/**
 * @description
 * HTTP handlers for the billing service: processor webhooks, manual cycle
 * runs, invoice creation, and operator actions on rented servers.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/driphost/billing-service/internal/app"
	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
	"github.com/driphost/billing-service/pkg/cryptobotclient"
	"github.com/driphost/billing-service/pkg/vmmanager"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 1 << 20

// PaymentService is the reconciliation surface the handlers use.
type PaymentService interface {
	RunCycle(ctx context.Context) (app.ReconcileResult, error)
	CreateInvoice(ctx context.Context, userID int64, ps domain.PaymentSystem, amount decimal.Decimal) (*domain.TopUp, error)
	ApplyStatus(ctx context.Context, ps domain.PaymentSystem, orderID string, status domain.InvoiceStatus) (domain.TopUpStatus, error)
}

// LifecycleService runs the resource lifecycle cycle.
type LifecycleService interface {
	RunCycle(ctx context.Context) (app.LifecycleResult, error)
}

// ServerStore resolves rented servers.
type ServerStore interface {
	FindServerByVdsID(ctx context.Context, vdsID int64) (*domain.VirtualServer, error)
	UpdateServerOS(ctx context.Context, serverID, osID int64) error
}

// VMManager is the provisioning API subset used by operator routes.
type VMManager interface {
	GetInfo(ctx context.Context, vmID int64) (*vmmanager.HostInfo, error)
	ChangePassword(ctx context.Context, vmID int64) (string, error)
	ReinstallOS(ctx context.Context, vmID, osID int64) (string, error)
	ListOS(ctx context.Context) ([]vmmanager.OS, error)
}

// Handler holds the services that handlers interact with.
type Handler struct {
	payments       PaymentService
	lifecycle      LifecycleService
	servers        ServerStore
	vm             VMManager
	cryptoBotToken string
	logger         *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(payments PaymentService, lifecycle LifecycleService, servers ServerStore, vm VMManager, cryptoBotToken string, logger *slog.Logger) *Handler {
	return &Handler{
		payments:       payments,
		lifecycle:      lifecycle,
		servers:        servers,
		vm:             vm,
		cryptoBotToken: cryptoBotToken,
		logger:         logger,
	}
}

func (h *Handler) handleCryptoBotWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	update, err := cryptobotclient.ParseWebhook(h.cryptoBotToken, body, r.Header.Get(cryptobotclient.SignatureHeader))
	if err != nil {
		h.logger.Warn("rejected cryptobot webhook", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	if update.UpdateType != "invoice_paid" {
		h.logger.Info("ignoring cryptobot webhook", "update_type", update.UpdateType, "update_id", update.UpdateID)
		respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	orderID := update.InvoiceID()
	status, err := h.payments.ApplyStatus(r.Context(), domain.PaymentSystemCryptoBot, orderID, cryptobotclient.MapStatus(update.Payload.Status))
	switch {
	case err == nil:
		h.logger.Info("cryptobot webhook applied", "order_id", orderID, "top_up_status", status)
	case errors.Is(err, store.ErrTopUpNotFound):
		h.logger.Warn("cryptobot webhook for unknown invoice", "order_id", orderID)
	default:
		h.logger.Error("failed to apply cryptobot webhook", "order_id", orderID, "error", err)
		http.Error(w, "Failed to apply payment", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleRunReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.payments.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeCycleError(w, "payment_reconciliation", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunLifecycle(w http.ResponseWriter, r *http.Request) {
	result, err := h.lifecycle.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeCycleError(w, "resource_lifecycle", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) writeCycleError(w http.ResponseWriter, cycle string, err error) {
	if errors.Is(err, app.ErrCycleInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.logger.Error("manual cycle run failed", "cycle", cycle, "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

type createTopUpRequest struct {
	UserID        int64           `json:"user_id"`
	PaymentSystem string          `json:"payment_system"`
	Amount        decimal.Decimal `json:"amount"`
}

type createTopUpResponse struct {
	TopUpID int64              `json:"top_up_id"`
	OrderID string             `json:"order_id"`
	PayURL  string             `json:"pay_url"`
	Status  domain.TopUpStatus `json:"status"`
}

func (h *Handler) handleCreateTopUp(w http.ResponseWriter, r *http.Request) {
	var req createTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	ps, err := domain.ParsePaymentSystem(strings.ToLower(strings.TrimSpace(req.PaymentSystem)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	topUp, err := h.payments.CreateInvoice(r.Context(), req.UserID, ps, req.Amount)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, domain.ErrUnknownPaymentSystem):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	default:
		h.logger.Error("failed to create invoice", "user_id", req.UserID, "payment_system", ps, "error", err)
		http.Error(w, "Failed to create invoice", http.StatusBadGateway)
		return
	}

	respondWithJSON(w, http.StatusCreated, createTopUpResponse{
		TopUpID: topUp.ID,
		OrderID: topUp.OrderID,
		PayURL:  topUp.URL,
		Status:  domain.TopUpCreated,
	})
}

// loadServer resolves {vdsID} to a server this service bills for.
func (h *Handler) loadServer(w http.ResponseWriter, r *http.Request) (*domain.VirtualServer, bool) {
	vdsID, err := strconv.ParseInt(chi.URLParam(r, "vdsID"), 10, 64)
	if err != nil || vdsID <= 0 {
		http.Error(w, "Invalid server ID", http.StatusBadRequest)
		return nil, false
	}
	server, err := h.servers.FindServerByVdsID(r.Context(), vdsID)
	if err != nil {
		if errors.Is(err, store.ErrServerNotFound) {
			http.Error(w, "Server not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to load server", "vds_id", vdsID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return server, true
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}
	info, err := h.vm.GetInfo(r.Context(), server.VdsID)
	if err != nil {
		if errors.Is(err, vmmanager.ErrVMNotFound) {
			http.Error(w, "VM not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load vm info", "vds_id", server.VdsID, "error", err)
		http.Error(w, "Provisioning API unavailable", http.StatusBadGateway)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"server": server,
		"host":   info,
	})
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}
	password, err := h.vm.ChangePassword(r.Context(), server.VdsID)
	if err != nil {
		h.logger.Error("failed to change vm password", "vds_id", server.VdsID, "error", err)
		http.Error(w, "Provisioning API unavailable", http.StatusBadGateway)
		return
	}
	h.logger.Info("vm password changed", "vds_id", server.VdsID)
	respondWithJSON(w, http.StatusOK, map[string]string{"password": password})
}

type reinstallRequest struct {
	OSID int64 `json:"os_id"`
}

func (h *Handler) handleReinstall(w http.ResponseWriter, r *http.Request) {
	server, ok := h.loadServer(w, r)
	if !ok {
		return
	}
	var req reinstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OSID <= 0 {
		http.Error(w, "os_id is required", http.StatusBadRequest)
		return
	}

	images, err := h.vm.ListOS(r.Context())
	if err != nil {
		h.logger.Error("failed to list os images", "error", err)
		http.Error(w, "Provisioning API unavailable", http.StatusBadGateway)
		return
	}
	if !hasOS(images, req.OSID) {
		http.Error(w, "Unknown os_id", http.StatusBadRequest)
		return
	}

	password, err := h.vm.ReinstallOS(r.Context(), server.VdsID, req.OSID)
	if err != nil {
		h.logger.Error("failed to reinstall vm", "vds_id", server.VdsID, "os_id", req.OSID, "error", err)
		http.Error(w, "Provisioning API unavailable", http.StatusBadGateway)
		return
	}
	if err := h.servers.UpdateServerOS(r.Context(), server.ID, req.OSID); err != nil {
		h.logger.Error("vm reinstalled but os not recorded", "server_id", server.ID, "os_id", req.OSID, "error", err)
	}
	h.logger.Info("vm reinstalled", "vds_id", server.VdsID, "os_id", req.OSID)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"password": password, "os_id": req.OSID})
}

func hasOS(images []vmmanager.OS, osID int64) bool {
	for _, image := range images {
		if image.ID == osID {
			return true
		}
	}
	return false
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
