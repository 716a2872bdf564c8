package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
)

type StockHandler struct {
	Engine *fulfillment.Orchestrator
	Log    zerolog.Logger
}

type stockMoveReq struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int    `json:"qty"`
	Reason    string `json:"reason,omitempty"`
	Note      string `json:"note,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

func (q stockMoveReq) sku() ledger.SKU {
	return ledger.SKU{ProductID: q.ProductID, VariantID: q.VariantID}
}

type adjustReq struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	Note      string `json:"note,omitempty"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/stock/{productID}", h.level)
	r.Get("/stock/{productID}/movements", h.movements)
	r.Get("/stock/{productID}/{variantID}", h.level)
	r.Post("/stock/inbound", h.inbound)
	r.Post("/stock/adjust", h.adjust)
	r.Post("/stock/returns", h.returns)
}

func (h *StockHandler) level(w http.ResponseWriter, r *http.Request) {
	sku := ledger.SKU{ProductID: chi.URLParam(r, "productID"), VariantID: chi.URLParam(r, "variantID")}
	lvl, err := h.Engine.Ledger.Level(r.Context(), sku)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, lvl)
}

func (h *StockHandler) movements(w http.ResponseWriter, r *http.Request) {
	sku := ledger.SKU{ProductID: chi.URLParam(r, "productID"), VariantID: r.URL.Query().Get("variant")}
	mvs, err := h.Engine.Ledger.Movements(r.Context(), sku)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if mvs == nil {
		mvs = []ledger.Movement{}
	}
	writeJSON(w, http.StatusOK, mvs)
}

func (h *StockHandler) inbound(w http.ResponseWriter, r *http.Request) {
	var req stockMoveReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	mv, err := h.Engine.ReceiveStock(r.Context(), req.sku(), req.Qty, req.Reason, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, mv)
}

func (h *StockHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	sku := ledger.SKU{ProductID: req.ProductID, VariantID: req.VariantID}
	mv, err := h.Engine.AdjustStock(r.Context(), sku, req.Quantity, req.Reason, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, mv)
}

func (h *StockHandler) returns(w http.ResponseWriter, r *http.Request) {
	var req stockMoveReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	mv, err := h.Engine.RecordReturn(r.Context(), req.sku(), req.Qty, req.OrderID, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, mv)
}
