package main

import (
	"crypto/sha256"
	"fmt"
	"log"
	"os"

	"gorm.io/gorm/logger"

	"github.com/autobotela-sys/zap-trading/internal/api"
	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/config"
	"github.com/autobotela-sys/zap-trading/internal/db"
	"github.com/autobotela-sys/zap-trading/internal/services"
	"github.com/autobotela-sys/zap-trading/internal/utils"
	"github.com/autobotela-sys/zap-trading/internal/websocket"
)

// print_routes builds the server router against a throwaway sqlite
// database and prints its route table.
func main() {
	database, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", URL: "file::memory:"})
	if err != nil {
		log.Fatalf("Failed to open scratch database: %v", err)
	}
	database.Logger = logger.Default.LogMode(logger.Silent)

	brokers := broker.NewRegistry(broker.NewPaperClient("http://localhost/paper/login"))
	accounts := services.NewAccountRegistry(database, utils.NewSecretBox(sha256.Sum256([]byte("routes"))), brokers, "paper", 0)
	users := services.NewUserService(database)
	auth := services.NewAuthService(users, []byte("routes"), 0)
	hub := websocket.NewHub(func(string) (uint, error) { return 0, fmt.Errorf("disabled") }, nil)

	router := api.SetupRouter(api.Services{
		Auth:      auth,
		Users:     users,
		Accounts:  accounts,
		Login:     services.NewLoginService(accounts, nil, hub),
		Orders:    services.NewOrderService(accounts, hub, services.OrderOptions{}),
		Positions: services.NewPositionService(accounts, hub, 0, 0),
	}, hub)

	fmt.Println("=== ROUTES ===")
	api.WriteRoutes(os.Stdout, router)
}
