// Package server exposes the gateway over HTTP: provider webhooks, a JSON
// send endpoint and a health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	mailer "github.com/lattiq/mailgate"
	"github.com/lattiq/mailgate/internal/store"
)

// IdempotencyKeyHeader carries the caller's idempotency key on sends.
const IdempotencyKeyHeader = "Idempotency-Key"

// Gateway is the part of the mail client the server drives.
type Gateway interface {
	Send(ctx context.Context, email *mailer.Email, idempotencyKey string) (*mailer.SendResult, error)
	HandleWebhook(ctx context.Context, provider mailer.ProviderType, body []byte, headers http.Header) (*mailer.WebhookResult, error)
	Dispatch(ctx context.Context, key string) (*store.Dispatch, error)
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to a Gateway.
type Server struct {
	gw     Gateway
	cfg    mailer.ServerConfig
	log    zerolog.Logger
	router chi.Router
	srv    *http.Server
}

// New creates a server for gw.
func New(gw Gateway, cfg mailer.ServerConfig, log zerolog.Logger) *Server {
	s := &Server{
		gw:  gw,
		cfg: cfg,
		log: log.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", s.handleSend)
		r.Get("/{key}", s.handleGetMessage)
	})
	return r
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	s.log.Info().Msg("shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mailer.ProviderType(chi.URLParam(r, "provider"))

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	res, err := s.gw.HandleWebhook(r.Context(), provider, body, r.Header)
	if err != nil {
		status, code := webhookStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("provider", string(provider)).Msg("webhook failed")
		}
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func webhookStatus(err error) (int, string) {
	var ve *mailer.VerificationError
	switch {
	case errors.As(err, &ve):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, mailer.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, mailer.ErrMalformedWebhook):
		return http.StatusBadRequest, "malformed_webhook"
	case errors.Is(err, mailer.ErrClientClosed):
		return http.StatusServiceUnavailable, "client_closed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, string(mailer.CodeInvalidMessage), IdempotencyKeyHeader+" header is required")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var email mailer.Email
	if err := json.Unmarshal(body, &email); err != nil {
		writeError(w, http.StatusBadRequest, string(mailer.CodeInvalidMessage), "invalid JSON: "+err.Error())
		return
	}

	res, err := s.gw.Send(r.Context(), &email, key)
	if err != nil {
		code, ok := mailer.ErrorCodeOf(err)
		if !ok {
			code = mailer.CodeProviderRejected
		}
		status := sendStatus(code)
		if status >= http.StatusInternalServerError {
			s.log.Warn().Err(err).Str("key", key).Str("code", string(code)).Msg("send failed")
		}
		writeError(w, status, string(code), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func sendStatus(code mailer.ErrorCode) int {
	switch code {
	case mailer.CodeInvalidMessage:
		return http.StatusBadRequest
	case mailer.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case mailer.CodeRecipientSuppressed:
		return http.StatusUnprocessableEntity
	case mailer.CodeInProgress:
		return http.StatusConflict
	case mailer.CodeProviderRejected, mailer.CodeProviderAuth:
		return http.StatusBadGateway
	case mailer.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case mailer.CodeRateLimited, mailer.CodeRetriesExhausted, mailer.CodeRetryAfterTooLong,
		mailer.CodeClientClosed, mailer.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageView is the JSON form of a stored dispatch.
type messageView struct {
	IdempotencyKey    string              `json:"idempotency_key"`
	State             store.DispatchState `json:"state"`
	Provider          mailer.ProviderType `json:"provider,omitempty"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	Attempts          int                 `json:"attempts"`
	ErrorCode         string              `json:"error_code,omitempty"`
	DeliveryStatus    mailer.EventType    `json:"delivery_status,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	d, err := s.gw.Dispatch(r.Context(), key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no message with key "+key)
		return
	case err != nil:
		s.log.Error().Err(err).Str("key", key).Msg("loading dispatch")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load message")
		return
	}

	writeJSON(w, http.StatusOK, messageView{
		IdempotencyKey:    d.IdempotencyKey,
		State:             d.State,
		Provider:          d.Provider,
		ProviderMessageID: d.ProviderMessageID,
		Attempts:          d.Attempts,
		ErrorCode:         d.ErrorCode,
		DeliveryStatus:    d.DeliveryStatus,
		UpdatedAt:         d.UpdatedAt,
	})
}

// readBody reads the request body under the configured size limit. On
// failure it writes the response and returns false.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	reader := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, string(mailer.CodePayloadTooLarge), "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return nil, false
	}
	return body, true
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorDetail{Code: code, Message: message}})
}
