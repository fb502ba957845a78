// Package main is the entry point for the Streaming Chat Orchestrator.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"egobackend/internal/auth"
	"egobackend/internal/bus"
	"egobackend/internal/catalog"
	"egobackend/internal/config"
	"egobackend/internal/consumer"
	"egobackend/internal/coordinator"
	"egobackend/internal/httpapi"
	"egobackend/internal/metricsdb"
	"egobackend/internal/middleware"
	"egobackend/internal/push"
	"egobackend/internal/registry"
	"egobackend/internal/storage"
	"egobackend/internal/telemetry"
	"egobackend/internal/transcript"
	"egobackend/internal/upstream"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// main initializes every collaborator, wires the HTTP/WS routes, and runs
// the server with graceful shutdown.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	telemetry.Init()

	// --- Dependency Injection ---
	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	reg.RegisterFlushHook(ts.FlushUser)

	b, err := bus.Dial(cfg.BusURL)
	if err != nil {
		log.Fatalf("Critical error! Failed to connect to the Bus: %v", err)
	}
	defer b.Close()

	conns := consumer.New(b, "")

	authSvc, err := auth.NewAuthService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Critical error: failed to create authentication service: %v", err)
	}

	s3Service, err := storage.NewS3Service(cfg.S3)
	if err != nil {
		log.Fatalf("Critical error! Failed to create S3 service: %v", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{DisableCompression: true},
		Timeout:   cfg.HTTPClientTimeout,
	}
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, httpClient)

	var metrics *metricsdb.DB
	if cfg.MetricsDBURL != "" {
		metrics, err = metricsdb.New(cfg.MetricsDBURL)
		if err != nil {
			log.Fatalf("Critical error! Failed to connect to the metrics database: %v", err)
		}
		defer metrics.Close()
		if err := metrics.Migrate(cfg.MetricsDBURL, cfg.MigrationsPath); err != nil {
			log.Fatalf("Critical error during metrics database migration: %v", err)
		}
	} else {
		log.Println("[main] METRICS_DB_URL not set, completion telemetry disabled")
	}

	hub := push.NewHub()
	go hub.Run()
	reg.RegisterFlushHook(hub.ForceDisconnectAll)

	co := coordinator.New(reg, cat, ts, conns, upstreamClient, hub, metrics, s3Service)

	validate := validator.New()

	// --- Background Goroutines ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Router and Server Setup ---
	router := setupRouter(cfg, authSvc, co, cat, ts, upstreamClient, b, hub, reg, validate)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	go func() {
		log.Printf("Server is ready for connections and listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful server shutdown: %v", err)
	}
	conns.ForceCleanupAll()

	log.Printf("Server stopped successfully. Background tasks can continue for up to %v.", cfg.ShutdownFinalSleep)
	time.Sleep(cfg.ShutdownFinalSleep)
	log.Println("Exiting.")
}

// setupRouter initializes every httpapi handler and registers all routes.
func setupRouter(cfg *config.AppConfig, authSvc *auth.AuthService, co *coordinator.Coordinator, cat *catalog.Catalog, ts *transcript.Store, up *upstream.Client, b bus.Bus, hub *push.Hub, reg *registry.Registry, validate *validator.Validate) *chi.Mux {
	chatHandler := httpapi.NewChatHandler(co, validate)
	sessionsHandler := httpapi.NewSessionsHandler(cat, ts, up, b, validate)
	authHandler := httpapi.NewAuthHandler(reg, cat, hub)
	wsHandler := httpapi.NewWSHandler(hub, co)

	r := chi.NewRouter()

	setupCORS(r, cfg)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer, coopMiddleware)
	r.Use(middleware.Maintenance(""))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		httpapi.RespondWithJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"maintenance": boolToStatus(middleware.MaintenanceEnabled()),
		})
	})

	r.Route("/api/maintenance", func(r chi.Router) {
		r.Post("/on", func(w http.ResponseWriter, r *http.Request) {
			middleware.SetMaintenance(true)
			httpapi.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "maintenance enabled"})
		})
		r.Post("/off", func(w http.ResponseWriter, r *http.Request) {
			middleware.SetMaintenance(false)
			httpapi.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "maintenance disabled"})
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authSvc))

			r.Post("/login", authHandler.HandleLogin)
			r.Post("/logout", authHandler.HandleLogout)

			r.Post("/chat/stream", chatHandler.HandleStream)
			r.Post("/chat/stop", chatHandler.HandleStop)

			r.Get("/sessions", sessionsHandler.HandleList)
			r.Get("/sessioncount", sessionsHandler.HandleSessionCount)
			r.Post("/sessionName", sessionsHandler.HandleSessionName)
			r.Post("/sessionhistory", sessionsHandler.HandleSessionHistory)
			r.Post("/chatsession", sessionsHandler.HandleNewSession)
			r.Post("/nextchatid", sessionsHandler.HandleNextChatID)
			r.Delete("/deletesession/{id}", sessionsHandler.HandleDeleteSession)

			r.Get("/ws", wsHandler.HandleWS)
		})
	})

	return r
}

func setupCORS(r *chi.Mux, cfg *config.AppConfig) {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           cfg.CORSMaxAge,
	}).Handler)
}

func boolToStatus(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func coopMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		w.Header().Set("Cross-Origin-Embedder-Policy", "unsafe-none")
		next.ServeHTTP(w, r)
	})
}
