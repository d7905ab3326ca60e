// Package httpapi exposes order creation and saga event lookups over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ordersaga/internal/participant"
	"ordersaga/internal/saga"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// OrderAPI is the order service surface the handlers need.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req participant.OrderRequest) (saga.Order, error)
	FindEvent(ctx context.Context, filters participant.EventFilters) (saga.Event, error)
	FindAllEvents(ctx context.Context) ([]saga.Event, error)
}

type Handler struct {
	orders OrderAPI
	log    logrus.FieldLogger
}

func NewHandler(orders OrderAPI, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{orders: orders, log: log}
}

// NewRouter mounts the API routes. A nil h leaves out /api for processes
// that do not run the order service. extra is mounted as-is (e.g. "/ws" for
// the trace hub).
func NewRouter(h *Handler, extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h != nil {
		r.Route("/api", func(r chi.Router) {
			r.Post("/order", h.CreateOrder)
			r.Get("/event", h.FindEvent)
			r.Get("/event/all", h.FindAllEvents)
		})
	}
	for pattern, handler := range extra {
		r.Handle(pattern, handler)
	}
	return r
}

// CreateOrder starts a saga for the posted products.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req participant.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	// The saga outlives the request; only request-scoped values carry over.
	order, err := h.orders.CreateOrder(context.WithoutCancel(r.Context()), req)
	if err != nil {
		if errors.Is(err, saga.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
			return
		}
		h.log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("create order failed")
		writeError(w, http.StatusInternalServerError, "create_order_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// FindEvent returns the latest event for ?orderId= and/or ?transactionId=.
func (h *Handler) FindEvent(w http.ResponseWriter, r *http.Request) {
	filters := participant.EventFilters{
		OrderID:       r.URL.Query().Get("orderId"),
		TransactionID: r.URL.Query().Get("transactionId"),
	}
	event, err := h.orders.FindEvent(r.Context(), filters)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, event)
	case errors.Is(err, participant.ErrFiltersRequired):
		writeError(w, http.StatusBadRequest, "filters_required", err.Error())
	case errors.Is(err, participant.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event_not_found", err.Error())
	default:
		h.log.WithError(err).Error("find event failed")
		writeError(w, http.StatusInternalServerError, "find_event_failed", err.Error())
	}
}

func (h *Handler) FindAllEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.FindAllEvents(r.Context())
	if err != nil {
		h.log.WithError(err).Error("list events failed")
		writeError(w, http.StatusInternalServerError, "list_events_failed", err.Error())
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
