package licensing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/kiosklicense/pkg/protocol"
	"github.com/oarkflow/kiosklicense/pkg/utils"
)

const (
	maxAuthBody  = 8 << 10
	maxAdminBody = 64 << 10
)

type ServerOptions struct {
	Addr              string
	RateLimiter       *utils.RateLimiter
	Gatherer          prometheus.Gatherer
	TLSCertPath       string
	TLSKeyPath        string
	ClientCAPath      string
	AllowInsecureHTTP bool
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a reverse proxy that overwrites them.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

type Server struct {
	lm                *LicenseManager
	addr              string
	rateLimiter       *utils.RateLimiter
	gatherer          prometheus.Gatherer
	validate          *validator.Validate
	logger            *slog.Logger
	tlsCertPath       string
	tlsKeyPath        string
	clientCAPath      string
	allowInsecureHTTP bool
	trustProxyHeaders bool
}

type actorKey struct{}

func NewServer(lm *LicenseManager, opts ServerOptions) (*Server, error) {
	if lm == nil {
		return nil, fmt.Errorf("license manager is required")
	}
	if !opts.AllowInsecureHTTP && (strings.TrimSpace(opts.TLSCertPath) == "" || strings.TrimSpace(opts.TLSKeyPath) == "") {
		return nil, fmt.Errorf("tls cert/key required unless allowInsecure HTTP is enabled")
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = utils.NewRateLimiter(60, time.Minute)
	}
	logger := opts.Logger
	if logger == nil {
		logger = lm.logger
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8801"
	}
	return &Server{
		lm:                lm,
		addr:              addr,
		rateLimiter:       limiter,
		gatherer:          opts.Gatherer,
		validate:          newValidator(),
		logger:            logger,
		tlsCertPath:       opts.TLSCertPath,
		tlsKeyPath:        opts.TLSKeyPath,
		clientCAPath:      opts.ClientCAPath,
		allowInsecureHTTP: opts.AllowInsecureHTTP,
		trustProxyHeaders: opts.TrustProxyHeaders,
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.trustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.withSecurityHeaders)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/login", s.handleLogin)
		r.Get("/validate", s.handleValidate)
		r.Post("/license/verify", s.handleVerifyLicense)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.requireAdmin)
		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleCreateClient)
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetClient)
			r.Delete("/", s.handleDeleteClient)
			r.Put("/reset-lock", s.handleResetLock)
			r.Put("/extend", s.handleExtend)
			r.Put("/models", s.handleModels)
			r.Put("/status", s.handleStatus)
			r.Put("/active", s.handleActive)
			r.Get("/logins", s.handleLogins)
		})
	})
	return r
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP(r)) {
			s.respondErr(w, r, protocol.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.lm.Authorize(r.Context(), BearerFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) *Account {
	actor, _ := r.Context().Value(actorKey{}).(*Account)
	return actor
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, limit int64) bool {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage("invalid request body"))
		return false
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage("request body must contain a single JSON object"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.respondErr(w, r, protocol.ErrBadRequest.WithMessage(validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return "invalid fields: " + strings.Join(fields, ", ")
	}
	return "invalid request"
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	render.Status(r, status)
	render.JSON(w, r, payload)
}

// respondErr is the single place errors become HTTP answers.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	pe := protocol.AsError(err)
	if pe.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.respondJSON(w, r, pe.Status, protocol.ErrorResponse{Error: pe.Message, Reason: string(pe.Reason)})
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		w.Header().Set("X-Request-ID", uuid.New().String())
		next.ServeHTTP(w, r)
	})
}

func setSecurityHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("X-Content-Type-Options", "nosniff")
	headers.Set("X-Frame-Options", "DENY")
	headers.Set("Referrer-Policy", "no-referrer")
	headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
	headers.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	headers.Set("Cache-Control", "no-store")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// ==================== Kiosk endpoints ====================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if !s.decodeJSONBody(w, r, &req, maxAuthBody) {
		return
	}
	resp, err := s.lm.Login(r.Context(), LoginAttempt{
		Email:      req.Email,
		Password:   req.Password,
		HardwareID: req.HardwareID,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	resp, err := s.lm.Validate(r.Context(), BearerFromHeader(r.Header.Get("Authorization")))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleVerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyLicenseRequest
	if !s.decodeJSONBody(w, r, &req, maxAuthBody) {
		return
	}
	view, err := s.lm.VerifyLicense(r.Context(), req.LicenseToken)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

// ==================== Admin endpoints ====================

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	views, err := s.lm.ListAccounts(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateAccountRequest
	if !s.decodeJSONBody(w, r, &req, maxAdminBody) {
		return
	}
	account, sub, err := s.lm.CreateAccount(r.Context(), actorFrom(r), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusCreated, accountView(account, sub))
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	view, err := s.lm.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.lm.DeleteAccount(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (s *Server) handleResetLock(w http.ResponseWriter, r *http.Request) {
	view, err := s.lm.ResetLock(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExtendRequest
	if !s.decodeJSONBody(w, r, &req, maxAdminBody) {
		return
	}
	view, err := s.lm.ExtendSubscription(r.Context(), chi.URLParam(r, "id"), req.Days)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var req protocol.ModelsRequest
	if !s.decodeJSONBody(w, r, &req, maxAdminBody) {
		return
	}
	view, err := s.lm.UpdateModels(r.Context(), chi.URLParam(r, "id"), req.Models)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req protocol.StatusRequest
	if !s.decodeJSONBody(w, r, &req, maxAdminBody) {
		return
	}
	view, err := s.lm.SetSubscriptionStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	var req protocol.ActiveRequest
	if !s.decodeJSONBody(w, r, &req, maxAdminBody) {
		return
	}
	view, err := s.lm.SetAccountActive(r.Context(), actorFrom(r), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleLogins(w http.ResponseWriter, r *http.Request) {
	views, err := s.lm.ListLogins(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, views)
}

// ==================== Lifecycle ====================

func (s *Server) hasTLSConfig() bool {
	return s.tlsCertPath != "" && s.tlsKeyPath != ""
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.clientCAPath != "" {
		caBytes, err := os.ReadFile(s.clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	useTLS := s.hasTLSConfig()
	if useTLS {
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	} else if !s.allowInsecureHTTP {
		return fmt.Errorf("tls required: set LICENSE_SERVER_TLS_CERT/KEY or LICENSE_SERVER_ALLOW_INSECURE_HTTP=true for development")
	} else {
		s.logger.Warn("starting licensing server without TLS; traffic will be unencrypted")
	}

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- server.ListenAndServeTLS(s.tlsCertPath, s.tlsKeyPath)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
