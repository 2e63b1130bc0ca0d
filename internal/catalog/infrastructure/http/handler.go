package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockflow/inventory-coordinator/internal/catalog/application"
	"github.com/stockflow/inventory-coordinator/internal/catalog/domain"
)

type Handler struct {
	log    *slog.Logger
	svc    *application.Service
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Service) *Handler {
	return &Handler{log: log, svc: svc, tracer: otel.Tracer("catalog-http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/products", h.createProduct)
	r.Put("/products/{productID}", h.updateProduct)
	r.Get("/products/{productID}", h.getProduct)
	return r
}

type productReq struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateProduct")
	defer span.End()

	var req productReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.svc.Create(ctx, req.ProductID, req.Name, req.PriceCents, r.Header.Get("X-Correlation-ID")); err != nil {
		h.log.Error("create product failed", "product_id", req.ProductID, "err", err)
		http.Error(w, "create failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"product_id": req.ProductID})
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateProduct")
	defer span.End()

	var req productReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.ProductID = chi.URLParam(r, "productID")
	if err := h.svc.Update(ctx, req.ProductID, req.Name, req.PriceCents, r.Header.Get("X-Correlation-ID")); err != nil {
		h.log.Error("update product failed", "product_id", req.ProductID, "err", err)
		http.Error(w, "update failed", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"product_id": req.ProductID})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetProduct")
	defer span.End()

	productID := chi.URLParam(r, "productID")
	p, err := h.svc.Get(ctx, productID)
	if errors.Is(err, domain.ErrProductNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "read failed", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(p)
}
