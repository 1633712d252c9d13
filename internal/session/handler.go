// internal/session/handler.go
package session

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authproxy/pkg/entities"
	"authproxy/pkg/middleware"
	"authproxy/pkg/problems"
)

type handler struct {
	svc        *Service
	log        *zap.SugaredLogger
	entityType string
}

// RegisterHTTP mounts the session surface for connectors and integrations on
// a tenant router. auth guards the management calls (create, read, put,
// commit); start and callback are browser redirects and stay open.
func RegisterHTTP(r chi.Router, svc *Service, auth func(http.Handler) http.Handler) {
	for _, et := range []string{entities.TypeIntegration, entities.TypeConnector} {
		h := &handler{svc: svc, log: svc.log, entityType: et}
		r.Route("/"+et+"/{entityId}/session", func(r chi.Router) {
			r.With(auth).Post("/", h.create)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.With(auth).Get("/", h.get)
				r.With(auth).Put("/", h.put)
				r.Get("/start", h.start)
				r.Get("/callback", h.callback)
				r.With(auth).Post("/commit", h.commit)
			})
		})
	}
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, problems.Validation("invalid JSON body"))
		return
	}
	sess, err := h.svc.Create(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": sess.ID}, http.StatusOK)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, sess, http.StatusOK)
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, problems.Validation("invalid JSON body"))
		return
	}
	out, err := ParseOutput(req.Output)
	if err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.svc.Put(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), chi.URLParam(r, "sessionId"), out)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, sess, http.StatusOK)
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.Start(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.Callback(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handler) commit(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Commit(r.Context(), middleware.TenantFrom(r.Context()), h.entityType, chi.URLParam(r, "entityId"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	if problems.KindOf(err) == "" {
		h.log.Errorw("session request failed", "err", err)
	}
	problems.Write(w, err)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
