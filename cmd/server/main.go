package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/router-for-me/CLIProxyCredits/internal/app"
	"github.com/router-for-me/CLIProxyCredits/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config file (defaults to $CONFIG_PATH or config.yaml)")
		migrate    = flag.Bool("migrate", false, "run database migrations and exit")
		resetNow   = flag.Bool("reset-now", false, "run one daily credit reset and exit")
		adminToken = flag.String("admin-token", "", "print a signed admin token for the given username and exit")
	)
	flag.Parse()

	if errEnv := godotenv.Load(); errEnv != nil {
		log.Debug("no .env file found, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := config.AppConfig{ConfigPath: *configPath}

	switch {
	case *migrate:
		if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
			log.Fatalf("migrate: %v", errMigrate)
		}
		log.Info("migrations applied")
	case *adminToken != "":
		token, errToken := app.IssueAdminToken(ctx, appCfg, *adminToken)
		if errToken != nil {
			log.Fatalf("admin token: %v", errToken)
		}
		fmt.Println(token)
	case *resetNow:
		report, errRun := app.RunResetOnce(ctx, appCfg)
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if errRun != nil {
			log.Fatalf("reset: %v", errRun)
		}
	default:
		if errServe := app.RunServer(ctx, appCfg); errServe != nil {
			log.Fatalf("server: %v", errServe)
		}
	}
}
