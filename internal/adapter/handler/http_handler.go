package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/core/service"
	"github.com/rl1809/stock-checkout/internal/port"
)

type HTTPHandler struct {
	orderService *service.OrderService
	stock        port.StockPeeker
	log          zerolog.Logger
}

type PurchaseHTTPRequest struct {
	RequestID     string `json:"request_id"`
	BuyerID       string `json:"buyer_id"`
	ProductID     string `json:"product_id"`
	Size          int    `json:"size"`
	PromotionCode string `json:"promotion_code"`
}

type OrderHTTPResponse struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	BuyerID       string    `json:"buyer_id"`
	ProductID     string    `json:"product_id"`
	Size          int       `json:"size"`
	PromotionCode string    `json:"promotion_code,omitempty"`
	UnitPrice     int64     `json:"unit_price"`
	TotalPrice    int64     `json:"total_price"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type StockHTTPResponse struct {
	ProductID string `json:"product_id"`
	Size      int    `json:"size"`
	Quantity  int    `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewHTTPHandler(orderService *service.OrderService, stock port.StockPeeker, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		orderService: orderService,
		stock:        stock,
		log:          log.With().Str("component", "http").Logger(),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.Purchase)
		r.Post("/orders/{id}/cancel", h.Cancel)
		r.Get("/stock/{productID}/{size}", h.Stock)
	})
	return r
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	if req.BuyerID == "" || req.ProductID == "" || req.Size == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "missing required fields"})
		return
	}

	order, err := h.orderService.Purchase(r.Context(), req.RequestID, req.BuyerID, req.ProductID, req.Size, req.PromotionCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderService.ReleaseReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Stock serves a snapshot that can be stale by the time the client reads it.
func (h *HTTPHandler) Stock(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "size must be a number"})
		return
	}
	key := domain.StockKey{ProductID: chi.URLParam(r, "productID"), Size: size}

	qty, err := h.stock.Peek(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toStockResponse(domain.StockRecord{ProductID: key.ProductID, Size: key.Size, Quantity: qty}))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorHTTPResponse{Message: message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrPricing):
		return http.StatusUnprocessableEntity, "pricing failed"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid request"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func toOrderResponse(o domain.Order) OrderHTTPResponse {
	return OrderHTTPResponse{
		ID:            o.ID,
		ReservationID: o.ReservationID,
		BuyerID:       o.BuyerID,
		ProductID:     o.ProductID,
		Size:          o.Size,
		PromotionCode: o.PromotionCode,
		UnitPrice:     o.UnitPrice,
		TotalPrice:    o.TotalPrice,
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt,
	}
}

func toStockResponse(rec domain.StockRecord) StockHTTPResponse {
	return StockHTTPResponse{ProductID: rec.ProductID, Size: rec.Size, Quantity: rec.Quantity}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
