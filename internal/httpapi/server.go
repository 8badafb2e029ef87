// Package httpapi serves a cart session to a browser UI as JSON.
//
// Mutations answer 202 Accepted with the optimistic cart and the operation
// ID as soon as the change is applied locally; the server call continues in
// the background. Clients poll GET /cart, /toasts and /errors, or read the
// Redis mirror, to observe settlement.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/toast"
)

// Server exposes one Controller.
type Server struct {
	ctrl    *engine.Controller
	logger  *slog.Logger
	limiter *RateLimiter
	origins []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRateLimit limits mutations per client. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = NewRateLimiter(rps, burst)
	}
}

// WithCORSOrigins allows browser calls from the given origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// New creates a server for ctrl.
func New(ctrl *engine.Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         600,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/cart", s.getCart)
	r.Get("/operations", s.listOperations)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/cart/lines", s.addLine)
		r.Patch("/cart/lines/{merchandiseId}", s.updateLine)
		r.Delete("/cart/lines/{merchandiseId}", s.removeLine)
		r.Post("/toasts/{id}/action", s.triggerToast)
	})
	r.Get("/toasts", s.listToasts)
	r.Delete("/toasts/{id}", s.dismissToast)
	r.Get("/errors", s.listErrors)
	r.Delete("/errors", s.clearErrors)
	return r
}

// CartView is the body of GET /cart.
type CartView struct {
	Cart    cart.Cart `json:"cart"`
	Pending bool      `json:"pending"`
}

// Accepted is the body of a mutation response.
type Accepted struct {
	OperationID string        `json:"operationId"`
	Status      engine.Status `json:"status"`
	Noop        bool          `json:"noop,omitempty"`
	Cart        cart.Cart     `json:"cart"`
}

// updateBody is the PATCH body: an absolute quantity or a step.
type updateBody struct {
	Quantity *int        `json:"quantity"`
	Step     engine.Step `json:"step"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CartView{Cart: s.ctrl.Cart(), Pending: s.ctrl.IsLoading()})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.PendingOperations())
}

func (s *Server) addLine(w http.ResponseWriter, r *http.Request) {
	var item cart.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid item: "+err.Error())
		return
	}
	s.accepted(w, s.ctrl.AddItem(r.Context(), item))
}

func (s *Server) updateLine(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "merchandiseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	switch {
	case body.Quantity != nil && body.Step != "":
		writeError(w, http.StatusBadRequest, "quantity and step are mutually exclusive")
	case body.Quantity != nil:
		s.accepted(w, s.ctrl.UpdateQuantity(r.Context(), id, *body.Quantity))
	case body.Step == engine.StepPlus, body.Step == engine.StepMinus, body.Step == engine.StepDelete:
		s.accepted(w, s.ctrl.Step(r.Context(), id, body.Step))
	default:
		writeError(w, http.StatusBadRequest, "quantity or step (plus|minus|delete) required")
	}
}

func (s *Server) removeLine(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "merchandiseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accepted(w, s.ctrl.RemoveItem(r.Context(), id))
}

// accepted maps an operation handle onto a response. Operations rejected
// before being applied fail synchronously and never reach the queue.
func (s *Server) accepted(w http.ResponseWriter, op *engine.Operation) {
	if err := op.Err(); err != nil {
		var opErr *engine.OperationError
		status := http.StatusInternalServerError
		if errors.As(err, &opErr) {
			switch opErr.Code {
			case engine.ErrCodeInvalidOperation:
				status = http.StatusUnprocessableEntity
			case engine.ErrCodeClosed:
				status = http.StatusServiceUnavailable
			}
		}
		s.logger.Warn("mutation rejected", "op_id", op.ID(), "error", err)
		writeError(w, status, err.Error())
		return
	}

	status := http.StatusAccepted
	if op.Noop() {
		status = http.StatusOK
	}
	writeJSON(w, status, Accepted{
		OperationID: op.ID(),
		Status:      op.Status(),
		Noop:        op.Noop(),
		Cart:        s.ctrl.Cart(),
	})
}

func (s *Server) listToasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Toasts().List())
}

func (s *Server) dismissToast(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Toasts().Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, toast.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerToast(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Toasts().Trigger(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, toast.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, toast.ErrNoAction):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, CartView{Cart: s.ctrl.Cart(), Pending: s.ctrl.IsLoading()})
	}
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Errors())
}

func (s *Server) clearErrors(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ClearErrors()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
