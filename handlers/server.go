package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"dspaving.app/licensing/internal/auth"
	"dspaving.app/licensing/internal/checker"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/ratelimit"
	"dspaving.app/licensing/internal/webhook"
	"dspaving.app/licensing/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
)

// Options carries the settings the HTTP surface needs beyond its collaborators.
type Options struct {
	Version string

	// Webhook routes are mounted only for providers with a secret.
	MercadoPagoWebhookSecret string
	StripeWebhookSecret      string

	MinAppVersion string
	TrialDuration time.Duration
	LedgerTimeout time.Duration
	CORSOrigins   []string

	// Auth, when set, requires a bearer token on user endpoints whose subject
	// matches the requested user.
	Auth *auth.Verifier
	// CheckLimiter throttles manual checks per user.
	CheckLimiter ratelimit.RateLimit
}

type Server struct {
	Router   chi.Router
	Ledger   storage.Ledger
	Webhooks *webhook.Gateway
	Checker  *checker.Checker

	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

func NewServer(ledger storage.Ledger, gateway *webhook.Gateway, chk *checker.Checker, opts Options) *Server {
	if opts.TrialDuration <= 0 {
		opts.TrialDuration = 7 * 24 * time.Hour
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 5 * time.Second
	}
	if opts.CheckLimiter == nil {
		opts.CheckLimiter = ratelimit.New(6, time.Minute)
	}

	s := &Server{
		Router:   chi.NewRouter(),
		Ledger:   ledger,
		Webhooks: gateway,
		Checker:  chk,
		opts:     opts,
		validate: validator.New(),
		now:      time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.MercadoPagoWebhookSecret != "" {
			r.Post("/webhooks/mercadopago", s.MercadoPagoWebhook)
		}
		if s.opts.StripeWebhookSecret != "" {
			r.Post("/webhooks/stripe", s.StripeWebhook)
		}

		r.Post("/payments/check", s.CheckPayment)
		r.Get("/payments/return", s.PaymentReturn)

		r.Get("/licenses/{userID}", s.GetLicense)
		r.Post("/licenses/validate", s.ValidateLicense)
		r.Post("/licenses/trial", s.StartTrial)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// authorizeUser enforces that the bearer identity owns userID. It writes the
// response and returns false when the request must stop.
func (s *Server) authorizeUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.opts.Auth == nil {
		return true
	}
	sub, err := s.opts.Auth.FromRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return false
	}
	if sub != userID {
		logger.Warn("Bearer identity does not match requested user", logger.Fields{
			"subject": sub,
			"user_id": userID,
			"path":    r.URL.Path,
		})
		writeErrorResponse(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_addr": r.RemoteAddr,
		}
		if ww.Status() >= 500 {
			logger.Error("HTTP request", fields)
			return
		}
		logger.Debug("HTTP request", fields)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
