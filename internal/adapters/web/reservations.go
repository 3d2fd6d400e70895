package web

import (
	"net/http"

	"inventory-core/internal/app"

	"github.com/go-chi/chi/v5"
)

// apiReserve handles POST /api/reservations.
func (h *Handler) apiReserve(w http.ResponseWriter, r *http.Request) {
	var req app.ReserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	res, err := h.svc.Reserve(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiGetReservation handles GET /api/reservations/{id}.
func (h *Handler) apiGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiRelease handles POST /api/reservations/{id}/release. Releasing a terminal
// reservation is not an error.
func (h *Handler) apiRelease(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Release(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiConsume handles POST /api/reservations/{id}/consume. The body is optional.
func (h *Handler) apiConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.Consume(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// ── Alerts ────────────────────────────────────────────────────────────────────

// apiListAlerts handles GET /api/alerts?status=&pid=&wid=&limit=.
func (h *Handler) apiListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.svc.ListAlerts(r.Context(), app.AlertQuery{
		ProductID:   q.Get("pid"),
		WarehouseID: q.Get("wid"),
		Status:      q.Get("status"),
		Limit:       int(limit),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiAckAlert handles POST /api/alerts/{id}/ack.
func (h *Handler) apiAckAlert(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.AckAlert(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}
