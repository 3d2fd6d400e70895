package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inventory-core/internal/app"
)

// ── Query parameter helpers ───────────────────────────────────────────────────

func queryInt(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", app.ErrBadRequest, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", app.ErrBadRequest, name)
	}
	return b, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", app.ErrBadRequest, name)
	}
	return &t, nil
}

// queryList accepts both repeated parameters and comma-separated values.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ── Stock ─────────────────────────────────────────────────────────────────────

// apiApplyMovement handles POST /api/inventory/{pid}/{wid}/movements.
func (h *Handler) apiApplyMovement(w http.ResponseWriter, r *http.Request) {
	var req app.MovementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProductID, req.WarehouseID = rowKey(r)
	req.Actor = actor(r)

	res, err := h.svc.ApplyMovement(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiCountStock handles PUT /api/inventory/{pid}/{wid}/count.
func (h *Handler) apiCountStock(w http.ResponseWriter, r *http.Request) {
	var req app.CountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProductID, req.WarehouseID = rowKey(r)
	req.Actor = actor(r)

	res, err := h.svc.CountStock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiUpdatePolicy handles PUT /api/inventory/{pid}/{wid}/policy.
func (h *Handler) apiUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req app.PolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProductID, req.WarehouseID = rowKey(r)

	row, err := h.svc.UpdatePolicy(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, row)
}

// apiTransfer handles POST /api/transfers.
func (h *Handler) apiTransfer(w http.ResponseWriter, r *http.Request) {
	var req app.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	res, err := h.svc.Transfer(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// apiReadInventory handles GET /api/inventory?pid=&wid=&below_reorder=&limit=.
func (h *Handler) apiReadInventory(w http.ResponseWriter, r *http.Request) {
	below, err := queryBool(r, "below_reorder")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.svc.ReadInventory(r.Context(), app.InventoryQuery{
		ProductID:    q.Get("pid"),
		WarehouseID:  q.Get("wid"),
		BelowReorder: below,
		Limit:        int(limit),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiReadLedger handles GET /api/ledger.
func (h *Handler) apiReadLedger(w http.ResponseWriter, r *http.Request) {
	q := app.LedgerQuery{
		ProductID:   r.URL.Query().Get("pid"),
		WarehouseID: r.URL.Query().Get("wid"),
		Reference:   r.URL.Query().Get("reference"),
		Kinds:       queryList(r, "kind"),
	}
	var err error
	if q.From, err = queryTime(r, "from"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if q.AfterID, err = queryInt(r, "after_id"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q.Limit = int(limit)

	res, err := h.svc.ReadLedger(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiReadValuation handles GET /api/valuation?wid=&method=.
func (h *Handler) apiReadValuation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ReadValuation(r.Context(), r.URL.Query().Get("wid"), r.URL.Query().Get("method"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiVerify handles GET /api/verify.
func (h *Handler) apiVerify(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Verify(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}
