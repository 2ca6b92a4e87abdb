package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/config"
	"github.com/dukerupert/loantracker/internal/geoip"
	"github.com/dukerupert/loantracker/internal/handler"
	"github.com/dukerupert/loantracker/internal/middleware"
	"github.com/dukerupert/loantracker/internal/notify"
	"github.com/dukerupert/loantracker/internal/proof"
	"github.com/dukerupert/loantracker/internal/push"
	"github.com/dukerupert/loantracker/internal/security"
	"github.com/dukerupert/loantracker/internal/store"
	ws "github.com/dukerupert/loantracker/internal/websocket"
)

// Per-route request budgets, keyed by client IP.
var (
	registerLimit   = middleware.Limit{Name: "register", Count: 5, Window: time.Hour}
	loginLimit      = middleware.Limit{Name: "login", Count: 10, Window: time.Minute}
	createLoanLimit = middleware.Limit{Name: "create-loan", Count: 30, Window: time.Minute}
)

// Deps are the external services the server is wired to. Nil Geo, Counter
// and Push fall back to no lookup, the in-process limiter and no web push.
type Deps struct {
	Geo       geoip.Locator
	Converter handler.Converter
	Counter   middleware.Counter
	Proofs    *proof.Store
	Push      *push.Service
}

type Server struct {
	cfg           config.Config
	hub           *ws.Hub
	tokens        *auth.Tokens
	accountStore  *store.AccountStore
	accountH      *handler.AccountHandler
	loanH         *handler.LoanHandler
	notificationH *handler.NotificationHandler
	pushH         *handler.PushHandler
	reminder      *notify.Reminder
	rateLimiter   *middleware.RateLimiter
	counter       middleware.Counter
	logger        *slog.Logger
}

func New(db *sql.DB, cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	accountStore := store.NewAccountStore(db)
	loanStore := store.NewLoanStore(db)
	notificationStore := store.NewNotificationStore(db)
	pushStore := store.NewPushStore(db)

	geo := deps.Geo
	if geo == nil {
		geo = geoip.Nop{}
	}

	notifier := notify.NewService(notificationStore, pushStore, hub, deps.Push, logger.With("component", "notify"))
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	var pushH *handler.PushHandler
	if deps.Push != nil {
		pushH = handler.NewPushHandler(pushStore, deps.Push, logger.With("component", "push_handler"))
	}

	rateLimiter := middleware.NewRateLimiter()
	counter := deps.Counter
	if counter == nil {
		counter = rateLimiter
	}

	return &Server{
		cfg:           cfg,
		hub:           hub,
		tokens:        tokens,
		accountStore:  accountStore,
		accountH:      handler.NewAccountHandler(accountStore, tokens, geo, security.NewDataCipher(cfg.DataKey), cfg.CookieSecure, logger.With("component", "account")),
		loanH:         handler.NewLoanHandler(loanStore, accountStore, notifier, deps.Converter, deps.Proofs, logger.With("component", "loan")),
		notificationH: handler.NewNotificationHandler(notificationStore, accountStore, notifier, logger.With("component", "notification")),
		pushH:         pushH,
		reminder:      notify.NewReminder(notifier, loanStore, accountStore, logger.With("component", "reminder")),
		rateLimiter:   rateLimiter,
		counter:       counter,
		logger:        logger,
	}
}

// RateLimiter returns the in-process rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Reminder returns the due-loan reminder loop.
func (s *Server) Reminder() *notify.Reminder {
	return s.reminder
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.Handle("POST /register", s.limited(registerLimit, s.accountH.Register))
	outerMux.Handle("POST /login", s.limited(loginLimit, s.accountH.Login))
	outerMux.HandleFunc("POST /logout", s.accountH.Logout)
	outerMux.HandleFunc("GET /check-username", s.accountH.CheckUsername)
	outerMux.HandleFunc("POST /parse-token", s.accountH.ParseToken)
	outerMux.HandleFunc("GET /health", s.healthHandler)

	// Protected routes, wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.tokens, s.accountStore, s.logger.With("component", "auth"))
	outerMux.Handle("/", authMiddleware(protectedMux))

	var h http.Handler = outerMux
	h = middleware.RequestLogger(s.logger.With("component", "http"))(h)
	h = middleware.ClientIP(s.cfg.TrustedProxies)(h)
	h = cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Token"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(h)
	return otelhttp.NewHandler(h, "loantracker")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) limited(limit middleware.Limit, h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.counter, s.logger.With("component", "ratelimit"), limit)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Profile
	mux.HandleFunc("GET /profile", s.accountH.GetProfile)
	mux.HandleFunc("POST /profile", s.accountH.UpdateProfile)

	// Loans
	mux.Handle("POST /create-loan", s.limited(createLoanLimit, s.loanH.Create))
	mux.HandleFunc("GET /loans", s.loanH.List)
	mux.HandleFunc("GET /loans/export", s.loanH.Export)
	mux.HandleFunc("GET /loans/{id}", s.loanH.Get)
	mux.HandleFunc("POST /approve-loan", s.loanH.Approve)
	mux.HandleFunc("POST /add-proof", s.loanH.AddProof)
	mux.HandleFunc("POST /loans/{id}/proofs/upload", s.loanH.UploadProof)
	mux.HandleFunc("POST /mark-paid", s.loanH.MarkPaid)

	// Notifications
	mux.HandleFunc("POST /notifications", s.notificationH.Send)
	mux.HandleFunc("GET /notifications", s.notificationH.List)
	mux.HandleFunc("GET /notifications/unread-count", s.notificationH.UnreadCount)
	mux.HandleFunc("POST /notifications/read", s.notificationH.MarkRead)
	mux.HandleFunc("DELETE /notifications/{id}", s.notificationH.Delete)

	// Push notification routes
	if s.pushH != nil {
		mux.HandleFunc("GET /push/vapid-key", s.pushH.GetVAPIDKey)
		mux.HandleFunc("POST /push/subscribe", s.pushH.Subscribe)
		mux.HandleFunc("GET /push/subscriptions", s.pushH.ListSubscriptions)
		mux.HandleFunc("DELETE /push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("POST /push/test", s.pushH.TestNotification)
	}

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, originHosts(s.cfg.AllowedOrigins), s.logger.With("component", "websocket")))
}

// originHosts converts CORS origins such as https://app.example.com into the
// host patterns the websocket upgrader matches against.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
