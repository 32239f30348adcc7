package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mdp/qrterminal/v3"

	"github.com/BTreeMap/ShopPipe/internal/messaging"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/scheduler"
	"github.com/BTreeMap/ShopPipe/internal/store"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

// enqueueRequest is the body of POST /messages.
type enqueueRequest struct {
	Recipient string          `json:"recipient"`
	Content   string          `json:"content"`
	Category  models.Category `json:"category"`
}

// stockRequest is the body of PUT /stock.
type stockRequest struct {
	ProductID   string `json:"product_id"`
	VariantName string `json:"variant_name"`
	Quantity    *int   `json:"quantity"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Status.Snapshot(r.Context())
	if err != nil {
		slog.Error("Server.statusHandler: snapshot failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) connectionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Connection.Status()))
}

// qrHandler renders the current pairing code. ?format=raw returns the payload itself.
func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request) {
	code := s.deps.Connection.PairingCode()
	if code == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No pairing in progress"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") == "raw" {
		w.Write([]byte(code + "\n"))
		return
	}
	var buf bytes.Buffer
	qrterminal.GenerateHalfBlock(code, qrterminal.L, &buf)
	w.Write(buf.Bytes())
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Connection.Logout(r.Context()); err != nil {
		if errors.Is(err, whatsapp.ErrLogoutUnsupported) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.logoutHandler: logout failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to log out"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged out; a new pairing cycle has started", nil))
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.enqueueHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Category == "" {
		req.Category = models.CategoryManual
	}
	if req.Category != models.CategoryManual && req.Category != models.CategoryCampaign {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("category must be manual or campaign"))
		return
	}
	to, err := messaging.CanonicalizeRecipient(req.Recipient, s.opts.DefaultCountryCode)
	if err != nil {
		slog.Warn("Server.enqueueHandler: recipient validation failed", "error", err, "original_to", req.Recipient)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := s.opts.Clock.Now().Unix()
	msg := &models.QueuedMessage{
		Recipient:   to,
		Content:     req.Content,
		Category:    req.Category,
		Priority:    models.PriorityDefault,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if err := s.deps.Store.InsertMessage(r.Context(), msg); err != nil {
		if errors.Is(err, models.ErrEmptyContent) || errors.Is(err, models.ErrContentTooLong) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.enqueueHandler: insert failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue message"))
		return
	}
	s.deps.Status.Invalidate()
	slog.Info("Server.enqueueHandler: message queued", "id", msg.ID, "category", msg.Category)
	writeJSONResponse(w, http.StatusCreated, models.ScheduledWithResult(msg))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getMessageHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

// orderHandler ingests an order from the storefront. Recovery and win-back
// marks in the body are ignored; the store keeps its own.
func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := decodeJSON(r, &o); err != nil {
		slog.Warn("Server.orderHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(o.ID) == "" || o.CreatedAt.IsZero() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: id, created_at"))
		return
	}
	if !validOrderStatus(o.Status) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown order status"))
		return
	}
	// Unusable addresses are kept as sent; the generators skip them as data errors.
	if to, err := messaging.CanonicalizeRecipient(o.CustomerAddress, s.opts.DefaultCountryCode); err == nil {
		o.CustomerAddress = to
	} else {
		slog.Warn("Server.orderHandler: customer address not canonical", "id", o.ID, "error", err)
	}
	if err := s.deps.Store.SaveOrder(r.Context(), &o); err != nil {
		slog.Error("Server.orderHandler: save failed", "id", o.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save order"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Order saved", nil))
}

func validOrderStatus(st models.OrderStatus) bool {
	return st == models.OrderStatusPending || st == models.OrderStatusCancelled || st.IsPaid()
}

func (s *Server) subscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.RestockSubscription
	if err := decodeJSON(r, &sub); err != nil {
		slog.Warn("Server.subscriptionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if sub.ProductID == "" || sub.VariantName == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: product_id, variant_name"))
		return
	}
	to, err := messaging.CanonicalizeRecipient(sub.ContactAddress, s.opts.DefaultCountryCode)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sub.ContactAddress = to
	sub.Notified = false
	sub.NotifiedAt = nil
	if err := s.deps.Store.AddRestockSubscription(r.Context(), &sub); err != nil {
		slog.Error("Server.subscriptionHandler: save failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save subscription"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(sub))
}

// stockHandler is the stock-write hook: it persists the quantity and fires
// restock alerts in the same request.
func (s *Server) stockHandler(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.stockHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProductID == "" || req.VariantName == "" || req.Quantity == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: product_id, variant_name, quantity"))
		return
	}
	res, err := s.deps.Restock.SetStock(r.Context(), req.ProductID, req.VariantName, *req.Quantity)
	if err != nil {
		slog.Error("Server.stockHandler: stock update failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update stock"))
		return
	}
	if res.Enqueued > 0 {
		s.deps.Status.Invalidate()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) schedulerRunHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Daily.Run(r.Context())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.schedulerRunHandler: run failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Scheduler run failed"))
		return
	}
	s.deps.Status.Invalidate()
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}
