package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockflow/inventory-coordinator/internal/order/application"
	"github.com/stockflow/inventory-coordinator/internal/order/domain"
)

type Handler struct {
	log    *slog.Logger
	rec    *application.Reconciler
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, rec *application.Reconciler) *Handler {
	return &Handler{log: log, rec: rec, tracer: otel.Tracer("order-http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/products/{productID}", h.getSnapshot)
	return r
}

type snapshotResponse struct {
	ProductID   string    `json:"product_id"`
	Name        string    `json:"name"`
	PriceCents  int64     `json:"price_cents"`
	LastUpdated time.Time `json:"last_updated"`
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetProductSnapshot")
	defer span.End()

	productID := chi.URLParam(r, "productID")
	s, err := h.rec.Snapshot(ctx, productID)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("snapshot lookup failed", "product_id", productID, "err", err)
		http.Error(w, "read failed", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(snapshotResponse{
		ProductID:   s.ProductID,
		Name:        s.Name,
		PriceCents:  s.PriceCents,
		LastUpdated: s.LastUpdated,
	})
}
