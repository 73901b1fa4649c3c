package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/academy/internal/billing/handler"
	billingmw "github.com/dukerupert/academy/internal/billing/middleware"
	"github.com/dukerupert/academy/internal/billing/store"
	"github.com/dukerupert/academy/internal/database"
	"github.com/dukerupert/academy/internal/middleware"
	"github.com/dukerupert/academy/internal/ratelimit"
	"github.com/dukerupert/academy/internal/supabase"
)

type Server struct {
	checkoutH *handler.CheckoutHandler
	statusH   *handler.StatusHandler
	webhookH  *handler.WebhookHandler
	accountH  *handler.AccountHandler

	checkoutCache *store.CheckoutCacheStore
	events        *store.WebhookEventStore

	verifier supabase.TokenVerifier
	limiter  *ratelimit.Limiter
	clientIP middleware.ClientIP
	cors     middleware.CORSConfig
	logger   *slog.Logger
}

type Config struct {
	SiteURL        string
	AllowLocalhost bool
	TrustedProxy   string

	Payments handler.Payments
	Users    handler.Users
	Verifier supabase.TokenVerifier
	Counter  ratelimit.Counter
}

func New(db *database.DB, cfg Config, logger *slog.Logger) *Server {
	customers := store.NewCustomerStore(db)
	checkoutCache := store.NewCheckoutCacheStore(db)
	events := store.NewWebhookEventStore(db)

	return &Server{
		checkoutH: handler.NewCheckoutHandler(cfg.Payments, cfg.Users, customers, checkoutCache, cfg.SiteURL, logger.With("component", "checkout")),
		statusH:   handler.NewStatusHandler(cfg.Users, customers, logger.With("component", "status")),
		webhookH:  handler.NewWebhookHandler(cfg.Payments, cfg.Users, customers, events, logger.With("component", "webhook")),
		accountH:  handler.NewAccountHandler(cfg.Payments, cfg.Users, customers, checkoutCache, logger.With("component", "account")),

		checkoutCache: checkoutCache,
		events:        events,

		verifier: cfg.Verifier,
		limiter:  ratelimit.New(cfg.Counter, logger.With("component", "ratelimit")),
		clientIP: middleware.ClientIPFor(cfg.TrustedProxy),
		cors:     middleware.CORSConfig{AllowedOrigin: cfg.SiteURL, AllowLocalhost: cfg.AllowLocalhost},
		logger:   logger,
	}
}

// CheckoutCache returns the checkout cache store for cleanup tasks.
func (s *Server) CheckoutCache() *store.CheckoutCacheStore {
	return s.checkoutCache
}

// WebhookEvents returns the webhook event store for cleanup tasks.
func (s *Server) WebhookEvents() *store.WebhookEventStore {
	return s.events
}

// Handler returns the router wrapped in the request-scoped middleware.
func (s *Server) Handler() http.Handler {
	return middleware.RequestID(middleware.RequestLogger(s.logger)(s.Router()))
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	type route struct {
		paths   []string
		method  string
		handler http.HandlerFunc
		rules   []ratelimit.Rule
	}
	browser := []route{
		{
			paths:   []string{"/api/account/delete", "/.netlify/functions/account-delete"},
			method:  http.MethodPost,
			handler: s.accountH.Delete,
			rules:   []ratelimit.Rule{ratelimit.AccountDeleteByIP, ratelimit.AccountDeleteByUser},
		},
		{
			paths:   []string{"/api/account/pause", "/.netlify/functions/account-pause"},
			method:  http.MethodPost,
			handler: s.accountH.Pause,
			rules:   []ratelimit.Rule{ratelimit.AccountPauseByIP, ratelimit.AccountPauseByUser},
		},
		{
			paths:   []string{"/api/account/resume", "/.netlify/functions/account-resume"},
			method:  http.MethodPost,
			handler: s.accountH.Resume,
			rules:   []ratelimit.Rule{ratelimit.AccountPauseByIP, ratelimit.AccountPauseByUser},
		},
		{
			paths:   []string{"/api/stripe/create-checkout-session", "/.netlify/functions/stripe-create-checkout-session"},
			method:  http.MethodPost,
			handler: s.checkoutH.CreateCheckoutSession,
			rules:   []ratelimit.Rule{ratelimit.CheckoutByIP, ratelimit.CheckoutByUser},
		},
		{
			paths:   []string{"/api/stripe/create-portal-session", "/.netlify/functions/stripe-create-portal-session"},
			method:  http.MethodPost,
			handler: s.checkoutH.CreatePortalSession,
		},
		{
			paths:   []string{"/api/stripe/subscription-status", "/.netlify/functions/stripe-subscription-status"},
			method:  http.MethodGet,
			handler: s.statusH.SubscriptionStatus,
		},
	}
	for _, rt := range browser {
		h := s.browserEndpoint(rt.method, rt.handler, rt.rules...)
		for _, p := range rt.paths {
			mux.Handle(p, h)
		}
	}

	// Stripe calls the webhook server to server; no CORS, no bearer token.
	webhook := allowMethod(http.MethodPost, http.HandlerFunc(s.webhookH.HandleStripeWebhook))
	mux.Handle("/api/stripe/webhook", webhook)
	mux.Handle("/.netlify/functions/stripe-webhook", webhook)

	return mux
}

// browserEndpoint applies, outermost first: the CORS gate, the method check,
// bearer authentication and the endpoint's rate limits.
func (s *Server) browserEndpoint(method string, h http.HandlerFunc, rules ...ratelimit.Rule) http.Handler {
	var next http.Handler = h
	if len(rules) > 0 {
		next = middleware.RateLimit(s.limiter, s.clientIP, s.logger, rules...)(next)
	}
	next = billingmw.RequireBearer(s.verifier, s.logger)(next)
	next = allowMethod(method, next)

	cors := s.cors
	cors.Methods = []string{method}
	return middleware.CORS(cors)(next)
}

// allowMethod answers any other method with 405 and an Allow header.
func allowMethod(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			middleware.JSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
