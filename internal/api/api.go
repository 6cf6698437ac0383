package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/oauth2"

	"github.com/susu3304/warikan/internal/config"
	"github.com/susu3304/warikan/internal/order"
)

// Store is the persistence surface the HTTP layer needs. *db.DB
// satisfies it; tests use in-memory fakes.
type Store interface {
	order.Ledger
	Item(ctx context.Context, productID string) (*order.MenuItem, error)
	Menu(ctx context.Context) ([]order.MenuItem, error)
	UpsertProfile(ctx context.Context, p order.Profile) error
}

// Announcer pushes a table-channel broadcast. Wired to the channel
// registry in main; nil disables broadcasts.
type Announcer interface {
	SendTable(ctx context.Context, tableID, event string, payload any) error
}

type API struct {
	router      *mux.Router
	store       Store
	config      *config.Config
	oauthConfig *oauth2.Config
	jwtSecret   []byte
	announce    Announcer
}

func New(cfg *config.Config, store Store, announce Announcer) *API {
	api := &API{
		router:    mux.NewRouter(),
		store:     store,
		config:    cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		announce:  announce,
	}
	if cfg.OAuthEnabled() {
		api.oauthConfig = &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURI,
			Scopes:       []string{"openid", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuthAuthURL,
				TokenURL: cfg.OAuthTokenURL,
			},
		}
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")
	a.router.HandleFunc("/api/auth/logout", a.handleLogout).Methods("POST")

	// Public endpoints
	a.router.HandleFunc("/api/health", a.handleHealth).Methods("GET")
	a.router.HandleFunc("/api/menu", a.handleMenu).Methods("GET")
	a.router.HandleFunc("/api/tables/{table_id}/checkin", a.handleCheckin).Methods("POST")

	// Protected endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/tables/{table_id}/orders", a.handleListOrders).Methods("GET")
	protected.HandleFunc("/tables/{table_id}/orders", a.handleCreateOrder).Methods("POST")
	protected.HandleFunc("/tables/{table_id}/orders/{order_id}/status", a.handleUpdateStatus).Methods("PUT")
}

// Handle mounts an extra handler on the router, e.g. the websocket relay.
func (a *API) Handle(path string, h http.Handler) {
	a.router.Handle(path, h)
}

func (a *API) Start() error {
	// Setup CORS - allow all origins for development, restrict in production
	// Note: When AllowedOrigins is "*", AllowCredentials must be false for security
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}

	handler := cors.New(corsOptions).Handler(a.router)

	log.Printf("API server listening on http://%s", a.config.WebBind)
	return http.ListenAndServe(a.config.WebBind, handler)
}
