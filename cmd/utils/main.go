package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/appetiteclub/apt"
	"github.com/joho/godotenv"
	"github.com/tablelink/tablelink/cmd/utils/internal/commands"
)

const (
	appName    = "tablelink-utils"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	config, err := apt.LoadConfig("TABLELINK", os.Args[2:])
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	logger := apt.NewLogger(config.GetStringOrDef("log.level", "info"))

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "publish-demo":
		if err := commands.PublishDemo(ctx, config, logger); err != nil {
			log.Fatalf("❌ Demo publishing failed: %v", err)
		}
		logger.Info("✅ Demo traffic published")

	case "reset-db":
		if err := commands.ResetDB(ctx, config, logger); err != nil {
			log.Fatalf("❌ Database reset failed: %v", err)
		}
		logger.Info("✅ Database reset completed successfully")

	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - TableLink utility commands

Usage:
  %s <command> [options]

Commands:
  publish-demo  Publish demo ticket requests for a store over NATS
  reset-db      Drop the session database and the change log keys (USE WITH CAUTION)
  version       Print version information
  help          Show this help message

Environment Variables:
  TABLELINK_NATS_URL       NATS server URL (default: nats://localhost:4222)
  TABLELINK_DEMO_STORE     Store that receives demo traffic (default: demo-store)
  TABLELINK_DB_MONGO_URL   MongoDB connection URL (default: mongodb://localhost:27017)
  TABLELINK_REDIS_ADDR     Redis address; when unset the change log is left alone

Examples:
  %s publish-demo
  TABLELINK_DB_MONGO_URL=mongodb://localhost:27017 %s reset-db

`, appName, appName, appName, appName)
}
