package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/TanDenggg/antigravity-proxy/internal/auth/google"
	"github.com/TanDenggg/antigravity-proxy/internal/auth/token"
	"github.com/TanDenggg/antigravity-proxy/internal/config"
	"github.com/TanDenggg/antigravity-proxy/internal/db"
	"github.com/TanDenggg/antigravity-proxy/internal/monitor"
	"github.com/TanDenggg/antigravity-proxy/internal/pool"
	"github.com/TanDenggg/antigravity-proxy/internal/proxy/handlers"
	"github.com/TanDenggg/antigravity-proxy/internal/proxy/middleware"
	"github.com/TanDenggg/antigravity-proxy/internal/ratelimit"
	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	db.SeedModelMappings(database, cfg.ModelAliases)

	upstreamClient := upstream.NewClient(
		time.Duration(cfg.FetchConnectTimeout)*time.Millisecond,
		cfg.OutboundProxyURL,
	)

	oauthCfg := google.GetOAuthConfig(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL)
	tokenManager := token.NewManager(database, upstreamClient, oauthCfg, cfg.TokenRefreshSkew())
	tokenManager.StartRefreshLoop(context.Background())

	accountPool := pool.New(database, tokenManager, pool.Config{
		PreferredTiers: cfg.PreferredTiers,
		MaxWait:        cfg.AccountWait(),
		ErrorThreshold: cfg.ErrorThreshold,
	})

	limiter := ratelimit.New(cfg.DefaultModelConcurrency, cfg.ModelConcurrency)
	mon := monitor.New(database)

	dispatcher := &handlers.Dispatcher{
		DB:       database,
		Cfg:      cfg,
		Pool:     accountPool,
		Tokens:   tokenManager,
		Limiter:  limiter,
		Upstream: upstreamClient,
		Monitor:  mon,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	// Admin API (protected if an admin password is configured).
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != cfg.AdminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Gateway Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(optionalAdminAuth)
		r.Get("/accounts", handlers.AccountsListHandler(database))
		r.Post("/accounts", handlers.RegisterAccountHandler(database, tokenManager))
		r.Post("/accounts/{id}/status", handlers.AccountStatusHandler(database))
		r.Delete("/accounts/{id}", handlers.AccountDeleteHandler(database))

		r.Get("/keys", handlers.APIKeysHandler(database))
		r.Post("/keys", handlers.APIKeysHandler(database))
		r.Delete("/keys/{id}", handlers.APIKeyDeleteHandler(database))

		r.Get("/model-mappings", handlers.ModelMappingsHandler(database))
		r.Post("/model-mappings", handlers.ModelMappingsHandler(database))
		r.Delete("/model-mappings/{id}", handlers.ModelMappingDeleteHandler(database))

		r.Get("/logs", handlers.RequestLogsHandler(mon))
		r.Get("/calls", handlers.ModelCallsHandler(mon))
	})

	// OpenAI-compatible API.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(dispatcher, nil))
		r.Get("/models", handlers.OpenAIModelsHandler(database))
	})

	// Native content-generation API.
	r.Route("/v1beta/models", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/{model}:generateContent", handlers.NativeGenerateHandler(dispatcher))
		r.Post("/{model}:streamGenerateContent", handlers.NativeStreamHandler(dispatcher))
	})

	log.Printf("🚀 Antigravity proxy starting on http://%s", cfg.ListenAddr)
	log.Printf("🔌 OpenAI API: http://%s/v1", cfg.ListenAddr)
	log.Printf("🔌 Native API: http://%s/v1beta/models", cfg.ListenAddr)

	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
