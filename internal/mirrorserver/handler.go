package mirrorserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/identity"
	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
)

const writeTimeout = 10 * time.Second

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimid.RequestID)
	r.Use(chimid.RealIP)
	r.Use(loggerMiddleware(s.logger))
	r.Use(chimid.Recoverer)
	r.Use(s.metrics.instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1/documents/{id}", func(r chi.Router) {
		r.Use(s.requireOwner)
		r.Get("/", s.handleGet)
		r.Put("/", s.handlePut)
		r.Get("/watch", s.handleWatch)
	})
	return r
}

func loggerMiddleware(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().
				Str("request_id", chimid.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("request")
			next.ServeHTTP(w, r)
		})
	}
}

// requireOwner rejects requests whose bearer token is not for {id}.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := remote.ValidateIdentity(id); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(s.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			writeErr(w, http.StatusUnauthorized, "missing or invalid authorization")
			return
		}
		subject, err := identity.VerifyToken(s.secret, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if subject != id {
			s.logger.Warn().Str("identity", id).Str("subject", subject).Msg("token for another identity")
			writeErr(w, http.StatusForbidden, ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, ok, err := s.backend.Pull(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("identity", id).Msg("pull failed")
		writeErr(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "document not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, remote.MaxDocumentSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeErr(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeErr(w, http.StatusBadRequest, "body is not JSON")
		return
	}

	if err := s.backend.Push(r.Context(), id, schema.NormalizeJSON(body)); err != nil {
		s.logger.Error().Err(err).Str("identity", id).Msg("push failed")
		writeErr(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.backend.Subscribe(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("identity", id).Msg("subscribe failed")
		writeErr(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	s.addWatcher(conn)
	defer s.removeWatcher(conn)

	// Clients never send; CloseRead notices their close frames.
	ctx := conn.CloseRead(r.Context())
	log := s.logger.With().Str("identity", id).Logger()
	log.Debug().Msg("watcher connected")

	for {
		select {
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			log.Debug().Msg("watcher disconnected")
			return
		case err := <-sub.Errors():
			log.Warn().Err(err).Msg("backend feed failed")
			_ = conn.Close(websocket.StatusInternalError, "feed failed")
			return
		case change := <-sub.Changes():
			if err := writeChange(ctx, conn, change.Data); err != nil {
				log.Debug().Err(err).Msg("write to watcher failed")
				return
			}
		}
	}
}

func writeChange(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write change: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
