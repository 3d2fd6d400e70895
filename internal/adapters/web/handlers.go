package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inventory-core/internal/app"
	"inventory-core/internal/auth"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Push is the WebSocket endpoint mounted at /api/push.
type Push interface {
	http.Handler
	SchemaHandler(w http.ResponseWriter, r *http.Request)
	Sessions() int
}

// Options configures NewHandler.
type Options struct {
	AllowedOrigins string
	MaxBodyBytes   int64
	Logger         *zap.Logger
}

// Handler holds the ApplicationService, the chi router and the push hub.
type Handler struct {
	svc    app.ApplicationService
	issuer *auth.Issuer
	push   Push
	router chi.Router
	logger *zap.Logger
}

// NewHandler creates and wires the chi router with all routes. push may be nil.
func NewHandler(svc app.ApplicationService, issuer *auth.Issuer, push Push, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	h := &Handler{
		svc:    svc,
		issuer: issuer,
		push:   push,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))
	r.Use(CORS(opts.AllowedOrigins))

	// ── Health (public) ───────────────────────────────────────────────────────
	r.Get("/api/health", h.health)

	// ── Push (authenticates its own handshake) ───────────────────────────────
	if push != nil {
		r.Get("/api/push", push.ServeHTTP)
	}

	// ── Protected API routes (return 401 JSON if unauthenticated) ────────────
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Use(RequestBodyLimit(maxBody))

		// Reads
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleViewer))
			r.Get("/api/inventory", h.apiReadInventory)
			r.Get("/api/ledger", h.apiReadLedger)
			r.Get("/api/valuation", h.apiReadValuation)
			r.Get("/api/alerts", h.apiListAlerts)
			r.Get("/api/reservations/{id}", h.apiGetReservation)
			if push != nil {
				r.Get("/api/push/schema", push.SchemaHandler)
			}
		})

		// Stock movements and reservations
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleWarehouseStaff))
			r.Post("/api/inventory/{pid}/{wid}/movements", h.apiApplyMovement)
			r.Put("/api/inventory/{pid}/{wid}/count", h.apiCountStock)
			r.Post("/api/transfers", h.apiTransfer)
			r.Post("/api/reservations", h.apiReserve)
			r.Post("/api/reservations/{id}/release", h.apiRelease)
			r.Post("/api/reservations/{id}/consume", h.apiConsume)
			r.Post("/api/alerts/{id}/ack", h.apiAckAlert)
		})

		// Policy and audit
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleManager))
			r.Put("/api/inventory/{pid}/{wid}/policy", h.apiUpdatePolicy)
			r.Get("/api/verify", h.apiVerify)
		})
	})

	h.router = r
	return r
}

// health returns service status and the number of open push sessions.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status       string `json:"status"`
		PushSessions int    `json:"push_sessions"`
	}
	resp := response{Status: "ok"}
	if h.push != nil {
		resp.PushSessions = h.push.Sessions()
	}
	writeJSON(w, resp)
}

// rowKey extracts the {pid} and {wid} URL parameters.
func rowKey(r *http.Request) (string, string) {
	return chi.URLParam(r, "pid"), chi.URLParam(r, "wid")
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. Returns HTTP 413 when the body exceeds the size limit set
// by RequestBodyLimit middleware; HTTP 400 for all other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}
