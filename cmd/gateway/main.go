package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/propdash/convsync/internal/delivery"
	"github.com/propdash/convsync/internal/gateway"
	"github.com/propdash/convsync/internal/messaging"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/session"
	"github.com/propdash/convsync/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	gwConfig := gateway.DefaultConfig()
	if v := os.Getenv("BACKEND_URL"); v != "" {
		gwConfig.API.BaseURL = v
	}
	if v := os.Getenv("BACKEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			gwConfig.API.Timeout = d
		}
	}
	if v := os.Getenv("SEND_FROM_USER_ID"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			gwConfig.API.IncludeFromUserID = b
		}
	}
	if v := os.Getenv("LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			gwConfig.Conversation.LoadTimeout = d
		}
	}
	if v := os.Getenv("RELOAD_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			gwConfig.Conversation.ReloadDelay = d
		}
	}
	if v := os.Getenv("MARK_READ_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			gwConfig.Conversation.MarkRead.Delay = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionStore, err := session.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Postgres (optional delivery log) ---
	var (
		db       *sql.DB
		recorder delivery.Recorder = delivery.Discard
	)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = delivery.Open(ctx, dbURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := delivery.Migrate(db); err != nil {
			log.Fatalf("failed to migrate delivery schema: %v", err)
		}
		recorder = delivery.NewStore(db)
	}

	log.Printf("Conversation sync gateway starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  write_timeout:    %s", config.WriteTimeout)
	log.Printf("  backend_url:      %s", gwConfig.API.BaseURL)
	log.Printf("  backend_timeout:  %s", gwConfig.API.Timeout)
	log.Printf("  reload_delay:     %s", gwConfig.Conversation.ReloadDelay)
	log.Printf("  mark_read_delay:  %s", gwConfig.Conversation.MarkRead.Delay)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  delivery_log:     %v", db != nil)

	gw := gateway.New(gwConfig, gateway.Deps{
		Sessions:   sessionStore,
		Bus:        natsClient,
		Recorder:   recorder,
		Limiter:    limiter,
		HTTPClient: &http.Client{},
	})

	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	server := ws.NewServer(config, dispatcher.Dispatch)
	gw.Attach(server)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		gw.Close()
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
