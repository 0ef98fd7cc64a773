package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/autobotela-sys/zap-trading/internal/api"
	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/config"
	"github.com/autobotela-sys/zap-trading/internal/db"
	"github.com/autobotela-sys/zap-trading/internal/services"
	"github.com/autobotela-sys/zap-trading/internal/utils"
	"github.com/autobotela-sys/zap-trading/internal/websocket"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	database, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Redis is optional; without it login exclusion is per process
	var guard services.LoginGuard = services.NewMemoryLoginGuard()
	if cfg.Redis.URL != "" {
		redisClient, err := db.ConnectRedis(cfg.Redis)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis, using in-process login guard: %v", err)
		} else {
			guard = services.NewRedisLoginGuard(redisClient, cfg.Broker.LoginGuardTTL)
			defer redisClient.Close()
		}
	}

	paper := broker.NewPaperClient(cfg.Broker.PaperLoginURL)
	brokers := broker.NewRegistry(
		broker.NewKiteClient(broker.KiteOptions{
			APIURL:    cfg.Broker.KiteAPIURL,
			LoginURL:  cfg.Broker.KiteLoginURL,
			Timeout:   cfg.Broker.CallTimeout,
			RateLimit: cfg.Broker.RateLimit,
			RateBurst: cfg.Broker.RateBurst,
		}),
		paper,
	)
	log.Printf("Brokers available: %v (default %s)", brokers.Names(), cfg.Broker.Default)

	users := services.NewUserService(database)
	auth := services.NewAuthService(users, cfg.JWT.SecretKey, cfg.JWT.Expire)

	wsHub := websocket.NewHub(func(token string) (uint, error) {
		claims, err := auth.ParseToken(token)
		if err != nil {
			return 0, err
		}
		return claims.UserID, nil
	}, cfg.Server.AllowedOrigins)
	go wsHub.Run()

	accounts := services.NewAccountRegistry(database, utils.NewSecretBox(cfg.Credentials.Key),
		brokers, cfg.Broker.Default, cfg.Broker.CallTimeout)

	router := api.SetupRouter(api.Services{
		Auth:     auth,
		Users:    users,
		Accounts: accounts,
		Login:    services.NewLoginService(accounts, guard, wsHub),
		Orders: services.NewOrderService(accounts, wsHub, services.OrderOptions{
			CallTimeout:    cfg.Broker.CallTimeout,
			RequestTimeout: cfg.Broker.OrderRequestTimeout,
			Concurrency:    cfg.Broker.FanOutConcurrency,
		}),
		Positions:        services.NewPositionService(accounts, wsHub, cfg.Broker.CallTimeout, cfg.Broker.FanOutConcurrency),
		Paper:            paper,
		PaperRedirectURL: cfg.Broker.PaperRedirectURL,
	}, wsHub)
	api.LogRoutes(router)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Positions-Partial", "X-Positions-Failed-Accounts"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: corsMiddleware.Handler(router),
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	wsHub.Close()
	log.Println("Server exited")
}
