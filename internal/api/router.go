package api

import (
	"github.com/gorilla/mux"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/handlers"
	"github.com/autobotela-sys/zap-trading/internal/metrics"
	"github.com/autobotela-sys/zap-trading/internal/middleware"
	"github.com/autobotela-sys/zap-trading/internal/services"
	"github.com/autobotela-sys/zap-trading/internal/websocket"
)

// Services bundles everything the HTTP surface depends on
type Services struct {
	Auth      services.AuthService
	Users     services.UserService
	Accounts  services.AccountService
	Login     services.LoginService
	Orders    services.OrderService
	Positions services.PositionService

	// Paper, when set, serves the paper broker's login page
	Paper            *broker.PaperClient
	PaperRedirectURL string
}

// SetupRouter configures all routes and returns the router
func SetupRouter(svc Services, wsHub *websocket.Hub) *mux.Router {
	// Create a new router
	router := mux.NewRouter()

	// Add health check endpoints
	router.HandleFunc("/health", HealthHandler).Methods("GET")
	router.HandleFunc("/api/health", HealthHandler).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// WebSocket routes; the token travels in the query string
	router.HandleFunc("/ws", wsHub.HandleWebSocket)
	router.HandleFunc("/ws/positions", wsHub.HandleWebSocket)

	if svc.Paper != nil {
		handlers.NewPaperLoginHandler(svc.Paper, svc.PaperRedirectURL).RegisterRoutes(router)
	}

	// Create handlers using services
	authHandler := handlers.NewAuthHandler(svc.Auth, svc.Users)
	accountHandler := handlers.NewAccountHandler(svc.Accounts, svc.Login, svc.Positions)
	orderHandler := handlers.NewOrderHandler(svc.Orders, svc.Positions)

	// Create the API router
	apiRouter := router.PathPrefix("/api").Subrouter()

	// Public endpoints (no authentication required)
	authHandler.RegisterPublicRoutes(apiRouter)

	// Create a subrouter for authenticated endpoints
	authRouter := apiRouter.PathPrefix("").Subrouter()
	authRouter.Use(middleware.AuthMiddleware(svc.Auth.ParseToken))

	// Register routes
	authHandler.RegisterRoutes(authRouter)
	accountHandler.RegisterRoutes(authRouter)
	orderHandler.RegisterRoutes(authRouter)
	authRouter.HandleFunc("/routes", PrintRoutesHandler(router)).Methods("GET")

	return router
}
