package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockflow/inventory-coordinator/internal/inventory/application"
	"github.com/stockflow/inventory-coordinator/internal/inventory/domain"
)

// Handler exposes the reservation commands. Requests arrive validated by
// the edge; correlation IDs are taken from the X-Correlation-ID header
// and threaded through untouched.
type Handler struct {
	log    *slog.Logger
	svc    *application.Service
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Service) *Handler {
	return &Handler{log: log, svc: svc, tracer: otel.Tracer("inventory-http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/stocks", h.createStock)
	r.Get("/stocks/{productID}", h.getStock)
	r.Post("/reservations", h.reserve)
	r.Post("/reservations/{orderID}/confirm", h.confirm)
	r.Delete("/reservations/{orderID}", h.release)
	return r
}

type createStockReq struct {
	ProductID     string `json:"product_id"`
	TotalQuantity int    `json:"total_quantity"`
}

func (h *Handler) createStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateStock")
	defer span.End()

	var req createStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "")
		return
	}
	if err := h.svc.CreateStock(ctx, req.ProductID, req.TotalQuantity); err != nil {
		h.log.Error("create stock failed", "product_id", req.ProductID, "err", err)
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"product_id": req.ProductID})
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetStock")
	defer span.End()

	productID := chi.URLParam(r, "productID")
	st, err := h.svc.Availability(ctx, productID)
	if errors.Is(err, domain.ErrStockNotFound) {
		writeError(w, http.StatusNotFound, "stock_not_found", productID)
		return
	}
	if err != nil {
		h.log.Error("stock read failed", "product_id", productID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "")
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"product_id":         st.ProductID,
		"total_quantity":     st.TotalQuantity,
		"available_quantity": st.AvailableQuantity(),
		"version":            st.Version,
	})
}

type reserveReq struct {
	OrderID string `json:"order_id"`
	Items   []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReserveStock")
	defer span.End()

	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "")
		return
	}
	items := make([]application.ReserveItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, application.ReserveItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	err := h.svc.Reserve(ctx, nil, req.OrderID, items, r.Header.Get("X-Correlation-ID"))
	if err != nil {
		h.respondCommandError(w, err, req.OrderID)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reserved", "order_id": req.OrderID})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmStock")
	defer span.End()

	orderID := chi.URLParam(r, "orderID")
	if err := h.svc.Confirm(ctx, nil, orderID, r.Header.Get("X-Correlation-ID")); err != nil {
		h.respondCommandError(w, err, orderID)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "confirmed", "order_id": orderID})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReleaseStock")
	defer span.End()

	orderID := chi.URLParam(r, "orderID")
	if err := h.svc.Release(ctx, nil, orderID, r.Header.Get("X-Correlation-ID")); err != nil {
		h.respondCommandError(w, err, orderID)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "released", "order_id": orderID})
}

func (h *Handler) respondCommandError(w http.ResponseWriter, err error, orderID string) {
	var ins *domain.InsufficientStockError
	switch {
	case errors.As(err, &ins):
		writeError(w, http.StatusConflict, "insufficient_stock", ins.ProductID)
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "")
	case errors.Is(err, domain.ErrStockNotFound):
		writeError(w, http.StatusNotFound, "stock_not_found", "")
	case errors.Is(err, domain.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "invalid_quantity", "")
	default:
		h.log.Error("command failed", "order_id", orderID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "transient_failure", "")
	}
}

func writeError(w http.ResponseWriter, code int, reason, productID string) {
	w.WriteHeader(code)
	body := map[string]string{"error": reason}
	if productID != "" {
		body["product_id"] = productID
	}
	_ = json.NewEncoder(w).Encode(body)
}
