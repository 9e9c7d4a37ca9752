package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpocket/environment-broker/internal/auth"
	"github.com/devpocket/environment-broker/internal/k8s"
	"github.com/devpocket/environment-broker/internal/orchestrator"
	"github.com/devpocket/environment-broker/internal/secret"
	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/ws"
	"github.com/devpocket/environment-broker/pkg/api"
)

type config struct {
	listenAddr        string
	databasePath      string
	jwtSecret         string
	encryptionKey     string
	maxConnsPerUser   int
	heartbeatInterval time.Duration
}

func loadConfig() config {
	cfg := config{
		listenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		databasePath:      getEnv("DATABASE_PATH", "broker.db"),
		jwtSecret:         os.Getenv("JWT_SECRET"),
		encryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		maxConnsPerUser:   getEnvInt("MAX_CONNECTIONS_PER_USER", 5),
		heartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
	}
	if cfg.jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if cfg.encryptionKey == "" {
		log.Fatal("ENCRYPTION_KEY is required")
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return value
}

func main() {
	cfg := loadConfig()

	st, err := store.OpenSQLite(cfg.databasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	codec, err := secret.NewCodec([]byte(cfg.encryptionKey))
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	verifier := auth.NewVerifier(cfg.jwtSecret)
	resolver := k8s.NewResolver(st, codec)
	orch := orchestrator.New(st, resolver, orchestrator.NoopMetrics{})

	manager := ws.NewManager(cfg.maxConnsPerUser, cfg.heartbeatInterval)
	defer manager.Teardown()

	router := ws.NewRouter(verifier, st, manager, orch, orch)
	handlers := api.NewHandlers(verifier, st, orch, router, manager)

	engine := gin.Default()
	engine.Use(corsMiddleware())
	handlers.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: engine,
	}

	go func() {
		log.Printf("Environment broker listening on %s", cfg.listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
