package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/cartsync/internal/cart"
)

// Store is what NewHandler serves: the actions plus the loader.
type Store interface {
	Actions
	Loader
}

// NewHandler exposes a Store over the same JSON protocol HTTPClient speaks.
// `cartsync backend` uses it to run a Memory backend as a standalone
// process for local development.
func NewHandler(s Store, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{store: s, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/cart", h.getCart)
	r.Post("/cart/lines", h.addLine)
	r.Patch("/cart/lines/{merchandiseId}", h.updateLine)
	r.Delete("/cart/lines/{merchandiseId}", h.removeLine)
	return r
}

type handler struct {
	store  Store
	logger *slog.Logger
}

func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCart(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) addLine(w http.ResponseWriter, r *http.Request) {
	var item cart.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item: " + err.Error()})
		return
	}
	h.respond(w, func() (Result, error) { return h.store.AddToCart(r.Context(), item) })
}

func (h *handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, err := merchandiseParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var body quantityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid quantity: " + err.Error()})
		return
	}
	h.respond(w, func() (Result, error) { return h.store.UpdateQuantity(r.Context(), id, body.Quantity) })
}

func (h *handler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, err := merchandiseParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, func() (Result, error) { return h.store.RemoveItem(r.Context(), id) })
}

func (h *handler) respond(w http.ResponseWriter, call func() (Result, error)) {
	res, err := call()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrScripted) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Warn("backend call failed", "error", err, "status", status)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// merchandiseParam unescapes the route parameter; merchandise IDs are
// often URIs containing slashes.
func merchandiseParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "merchandiseId"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
