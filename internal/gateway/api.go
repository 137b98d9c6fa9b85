package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/swarmhost/swarmhost/internal/auth"
	"github.com/swarmhost/swarmhost/internal/host"
	"github.com/swarmhost/swarmhost/internal/store"
)

type ctxKey int

const principalKey ctxKey = 0

// principal returns the authenticated principal, or nil.
func principal(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// withAuth requires a Bearer session token and attaches the principal.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.jsonError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		p, err := s.auth.Verify(token)
		if err != nil {
			s.jsonError(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.opts.RegistrationOpen {
		s.jsonError(w, "registration is closed", http.StatusForbidden)
		return
	}

	var in auth.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.auth.Register(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			s.jsonError(w, "username or email already taken", http.StatusConflict)
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			s.internalError(w, r, err)
		}
		return
	}

	token, err := s.auth.IssueToken(u)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":  u.ID,
		"username": u.Username,
		"token":    token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, u, err := s.auth.Login(r.Context(), in.Username, in.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		case errors.Is(err, auth.ErrSuspended):
			s.jsonError(w, "account suspended", http.StatusForbidden)
		default:
			s.internalError(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"user_id":  u.ID,
		"username": u.Username,
		"token":    token,
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	state, err := s.mgr.UserQuota(r.Context(), p.UserID)
	if err != nil {
		s.hostError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	recs, err := s.mgr.ListArchives(r.Context(), p.UserID)
	if err != nil {
		s.hostError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAddArchive(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())

	var in struct {
		Name string `json:"name"`
		Key  string `json:"key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.mgr.AddArchive(r.Context(), p.UserID, in.Name, in.Key)
	if err != nil {
		s.hostError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRemoveArchive(w http.ResponseWriter, r *http.Request) {
	p := principal(r.Context())
	if err := s.mgr.RemoveArchive(r.Context(), p.UserID, chi.URLParam(r, "key")); err != nil {
		s.hostError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveInfo(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.requireOwnership(r, key); err != nil {
		s.hostError(w, r, err)
		return
	}
	info, err := s.mgr.GetArchiveInfo(r.Context(), key)
	if err != nil {
		s.hostError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExportArchive(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.requireOwnership(r, key); err != nil {
		s.hostError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", key+".tar.gz"))
	if err := s.mgr.ExportArchive(r.Context(), key, w); err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		log.Error().Err(err).Str("key", key).Msg("archive export failed")
	}
}

// requireOwnership checks the principal owns the archive, or carries the
// admin scope.
func (s *Server) requireOwnership(r *http.Request, key string) error {
	p := principal(r.Context())
	rec, err := s.st.GetArchive(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("archive %s: %w", key, host.ErrNotFound)
		}
		return err
	}
	if rec.OwnerID != p.UserID && !p.HasScope(store.ScopeAdminUsers) {
		return fmt.Errorf("archive %s: %w", key, host.ErrForbidden)
	}
	return nil
}

// hostError maps the host error taxonomy onto HTTP status codes.
func (s *Server) hostError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, host.ErrNotFound):
		s.jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, host.ErrForbidden):
		s.jsonError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, host.ErrUnauthorized):
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, host.ErrQuotaExceeded):
		s.jsonError(w, "disk quota exceeded", http.StatusRequestEntityTooLarge)
	case errors.Is(err, host.ErrConflict):
		s.jsonError(w, "already exists", http.StatusConflict)
	case errors.Is(err, host.ErrInvalidName), errors.Is(err, host.ErrInvalidKey), errors.Is(err, host.ErrInvalidDomain):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
	s.jsonError(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
