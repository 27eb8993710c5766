package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/openauthhq/openauth/pkg/config"
	"github.com/openauthhq/openauth/pkg/httputil"
	"github.com/openauthhq/openauth/pkg/ledger"
	"github.com/openauthhq/openauth/pkg/notify"
	"github.com/openauthhq/openauth/pkg/observability"
	"github.com/openauthhq/openauth/pkg/sso"
	"github.com/openauthhq/openauth/pkg/store"
	"github.com/openauthhq/openauth/pkg/token"
)

// Deps carries everything the HTTP layer needs. All fields are required
// except Notifier, which falls back to a log-only mailer.
type Deps struct {
	Config   *config.Config
	Store    *store.PostgresStore
	Ledger   *ledger.Ledger
	Engine   *token.Engine
	Flow     *sso.Flow
	Notifier *notify.Notifier
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Server dispatches HTTP requests to the auth, SSO and admin handlers.
type Server struct {
	cfg      *config.Config
	store    *store.PostgresStore
	ledger   *ledger.Ledger
	engine   *token.Engine
	flow     *sso.Flow
	notifier *notify.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics

	router  *mux.Router
	handler http.Handler
	http    *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.Notifier == nil {
		deps.Notifier = notify.New(notify.NewLogMailer(deps.Logger), deps.Logger)
	}
	s := &Server{
		cfg:      deps.Config,
		store:    deps.Store,
		ledger:   deps.Ledger,
		engine:   deps.Engine,
		flow:     deps.Flow,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	// CORS wraps outside the router: every registered route matches a
	// specific method set, so an OPTIONS preflight would otherwise 404
	// before any mux middleware runs.
	s.handler = httputil.CORSMiddleware(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.MetricsMiddleware(s.metrics),
		httputil.RecoveryMiddleware(s.logger),
	)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	auth := s.router.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	auth.HandleFunc("/register/org", s.handleRegisterOrg).Methods(http.MethodPost)
	auth.HandleFunc("/register/user", s.handleRegisterUser).Methods(http.MethodPost)
	auth.HandleFunc("/token/refresh", s.handleRefresh).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	auth.HandleFunc("/verify", s.handleVerify).Methods(http.MethodGet)

	// The metadata route must be registered before the generic provider
	// routes or mux matches "saml" as an initiate request.
	auth.HandleFunc("/sso/saml/metadata", s.handleSSOMetadata).Methods(http.MethodGet)
	auth.HandleFunc("/sso/{provider}", s.handleSSOInitiate).Methods(http.MethodGet)
	auth.HandleFunc("/sso/{provider}/callback", s.handleSSOCallback).Methods(http.MethodGet, http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAuth, s.requireAdmin)
	admin.HandleFunc("/orgs", s.handleListOrgs).Methods(http.MethodGet)
	admin.HandleFunc("/orgs/{id}", s.handleGetOrg).Methods(http.MethodGet)
	admin.HandleFunc("/orgs/{id}", s.handleUpdateOrg).Methods(http.MethodPut)
	admin.HandleFunc("/orgs/{id}", s.handleDeleteOrg).Methods(http.MethodDelete)
	admin.HandleFunc("/orgs/{id}/apps", s.handleListApps).Methods(http.MethodGet)
	admin.HandleFunc("/orgs/{id}/apps", s.handleSetAppAccess).Methods(http.MethodPost)
	admin.HandleFunc("/orgs/{id}/sso", s.handleListSSOConfigs).Methods(http.MethodGet)
	admin.HandleFunc("/orgs/{id}/sso", s.handleCreateSSOConfig).Methods(http.MethodPost)
	admin.HandleFunc("/orgs/{id}/sso/{provider}", s.handleUpdateSSOConfig).Methods(http.MethodPut)
	admin.HandleFunc("/orgs/{id}/sso/{provider}", s.handleDeleteSSOConfig).Methods(http.MethodDelete)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/invite", s.handleInviteUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{id}/permissions/{app}", s.handleUserPermissions).Methods(http.MethodGet)
	admin.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start blocks serving requests until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	readTimeout := s.cfg.Server.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.cfg.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.cfg.Server.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.logger.WithField("addr", addr).Info("http server listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
