package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/clinics"
	custommw "finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/httpserver/ui"
	"finitefield.org/clinic-console/internal/console/loginguard"
	"finitefield.org/clinic-console/internal/console/observability"
	"finitefield.org/clinic-console/public"
)

const (
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultHandlerTimeout = 60 * time.Second
)

// Config holds runtime options for the console HTTP server.
type Config struct {
	Address     string
	BasePath    string
	LoginPath   string // must live under BasePath
	Environment string

	// Backend builds the per-request backend client. Required.
	Backend custommw.ClientFactory
	// Sessions persists the console session cookie. Required.
	Sessions custommw.SessionStore
	// Authenticator verifies access tokens on protected routes.
	Authenticator custommw.Authenticator
	// ClinicsBackend replaces the backend client for clinic data when set.
	ClinicsBackend clinics.Backend
	// LoginGuard collapses concurrent submissions from one browser session.
	LoginGuard loginguard.Guard

	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	// CSRFHeaderName is the header htmx echoes the session CSRF token in.
	CSRFHeaderName string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// New constructs the HTTP server with middleware stack and embedded assets.
func New(cfg Config) *http.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(observability.InjectLogger(logger))
	router.Use(observability.RequestLogger())
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(defaultHandlerTimeout))

	staticContent, err := public.StaticFS()
	if err != nil {
		logger.Fatal("embed static", zap.Error(err))
	}
	router.Handle("/public/static/*", http.StripPrefix("/public/static/", http.FileServer(http.FS(staticContent))))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsHandler != nil {
		router.Handle("/metrics", cfg.MetricsHandler)
	}

	basePath := custommw.NormalizeBasePath(firstNonEmpty(cfg.BasePath, "/console"))
	loginPath := resolveLoginPath(basePath, cfg.LoginPath)

	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = custommw.DefaultAuthenticator()
	}
	guard := cfg.LoginGuard
	if guard == nil {
		guard = loginguard.NewMemoryGuard(loginguard.DefaultTTL)
	}

	csrfCfg := custommw.CSRFConfig{
		HeaderName: cfg.CSRFHeaderName,
		CookiePath: basePath,
	}

	mountConsoleRoutes(router, basePath, routeOptions{
		Environment:   cfg.Environment,
		Backend:       cfg.Backend,
		Sessions:      cfg.Sessions,
		Authenticator: authenticator,
		LoginPath:     loginPath,
		CSRF:          csrfCfg,
		Auth:          newAuthHandlers(basePath, loginPath, guard, cfg.Metrics),
		UI:            ui.NewHandlers(ui.Dependencies{ClinicsBackend: cfg.ClinicsBackend}),
	})

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  durationOr(cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout: durationOr(cfg.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  durationOr(cfg.IdleTimeout, defaultIdleTimeout),
	}
}

type routeOptions struct {
	Environment   string
	Backend       custommw.ClientFactory
	Sessions      custommw.SessionStore
	Authenticator custommw.Authenticator
	LoginPath     string
	CSRF          custommw.CSRFConfig
	Auth          *authHandlers
	UI            *ui.Handlers
}

func mountConsoleRoutes(router chi.Router, base string, opts routeOptions) {
	routes := func(r chi.Router) {
		r.Use(custommw.HTMX())
		r.Use(custommw.NoStore())
		r.Use(custommw.RequestInfoMiddleware(base, opts.Environment))
		r.Use(custommw.Session(opts.Sessions))
		r.Use(custommw.BackendClient(opts.Backend))
		r.Use(custommw.CSRF(opts.CSRF))

		r.Get(relative(base, opts.LoginPath), opts.Auth.LoginForm)
		r.Post(relative(base, opts.LoginPath), opts.Auth.LoginSubmit)
		r.Post("/logout", opts.Auth.Logout)

		r.Group(func(r chi.Router) {
			r.Use(custommw.Auth(opts.Authenticator, opts.LoginPath))
			r.Get("/", opts.UI.ClinicsPage)
			r.Post("/clinics/{clinicID}/select", opts.UI.SelectClinic)
			r.Post("/patients", opts.UI.AddPatient)
		})
	}

	if base == "/" {
		router.Group(routes)
		return
	}
	router.Route(base, routes)
}

func resolveLoginPath(base string, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if base == "/" {
		return "/login"
	}
	return base + "/login"
}

// relative strips base from an absolute route path for use inside a chi sub-router.
func relative(base, full string) string {
	if base == "/" {
		return full
	}
	trimmed := strings.TrimPrefix(full, base)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return "/"
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
