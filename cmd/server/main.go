package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/21projects/greetings/internal/api"
	"github.com/21projects/greetings/internal/config"
	"github.com/21projects/greetings/internal/dispatch"
	"github.com/21projects/greetings/internal/greeting"
	"github.com/21projects/greetings/internal/payment"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to connect to database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	store := greeting.NewStore(db)

	// Redis is optional: without it sends are simply unthrottled.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — send throttling disabled", cfg.Redis.URL, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s (send throttling enabled)", cfg.Redis.URL)
		}
		pingCancel()
	}

	sender, err := buildSender(cfg.Mail)
	if err != nil {
		log.Fatalf("Failed to configure mail transport: %v", err)
	}

	var limiter *dispatch.RateLimiter
	if redisClient != nil {
		limiter = dispatch.NewRateLimiter(redisClient, cfg.Dispatch.SendsPerMinute)
	}

	templates := dispatch.NewTemplateService(cfg.Mail.TemplateDir)
	dispatcher := dispatch.NewDispatcher(store, sender, templates, limiter, cfg.Dispatch, cfg.Mail)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	var wallet *payment.Client
	if cfg.Payment.Enabled {
		wallet = payment.NewClient(cfg.Payment)
		log.Printf("Payment gate enabled: %s (min amount %d)", cfg.Payment.WalletURL, cfg.Payment.MinAmount)
	} else {
		log.Println("Payment gate disabled")
	}

	handlers := api.NewHandlers(store, wallet, dispatcher, "web/client/index.html")
	server := api.NewServer(handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Server stopped")
}

func buildSender(cfg config.MailConfig) (dispatch.Sender, error) {
	switch cfg.Transport {
	case "ses":
		return dispatch.NewSESSender(cfg)
	case "smtp", "":
		return dispatch.NewSMTPSender(cfg), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}
