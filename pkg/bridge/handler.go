package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

const (
	DefaultAddr  = ":8802"
	maxLoginBody = 4 << 10
)

type ServerOptions struct {
	Addr        string
	RateLimiter *utils.RateLimiter
	Logger      *slog.Logger
}

// Server exposes a SessionBridge over HTTP.
type Server struct {
	bridge      *SessionBridge
	addr        string
	rateLimiter *utils.RateLimiter
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewServer(b *SessionBridge, opts ServerOptions) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("session bridge is required")
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = utils.NewRateLimiter(30, time.Minute)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bridge:      b,
		addr:        addr,
		rateLimiter: limiter,
		validate:    validator.New(),
		logger:      logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{"status": "ok", "session": s.bridge.Current() != nil})
	})
	r.With(s.rateLimit).Post("/api/mobile-login", s.handleMobileLogin)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.rateLimiter.Allow(host) {
			s.respondErr(w, r, protocol.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMobileLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.MobileLoginRequest
	body := http.MaxBytesReader(w, r.Body, maxLoginBody)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage("invalid request body"))
		return
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage("request body must contain a single JSON object"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage("email is required"))
		return
	}

	session, err := s.bridge.AuthenticateByEmail(req.Email)
	if err != nil {
		s.logger.Info("handset login refused", "remote", r.RemoteAddr, "reason", protocol.AsError(err).Reason)
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("handset login accepted", "remote", r.RemoteAddr)
	render.JSON(w, r, protocol.MobileLoginResponse{User: *session})
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	pe := protocol.AsError(err)
	render.Status(r, pe.Status)
	render.JSON(w, r, protocol.ErrorResponse{Error: pe.Message, Reason: string(pe.Reason)})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Warn("session bridge listening; only expose it on a trusted local network", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
