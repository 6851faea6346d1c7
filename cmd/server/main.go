package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenSensorCore/internal/auth"
	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/KevinKickass/OpenSensorCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file (defaults and OSC_* environment only when empty)")
	hashPassword := flag.String("hash-password", "", "Print the hash of a password for auth.users and exit")
	issueToken := flag.String("issue-token", "", "Print an access token for the given subject and exit")
	tokenRole := flag.String("role", string(auth.RoleViewer), "Role of the token printed by -issue-token")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	authService, err := auth.NewService(cfg.Auth, logger)
	if err != nil {
		logger.Fatal("Failed to create auth service", zap.Error(err))
	}

	switch {
	case *hashPassword != "":
		hash, err := authService.HashPassword(*hashPassword)
		if err != nil {
			logger.Fatal("Failed to hash password", zap.Error(err))
		}
		fmt.Println(hash)
		return
	case *issueToken != "":
		role, err := auth.ParseRole(*tokenRole)
		if err != nil {
			logger.Fatal("Invalid role", zap.Error(err))
		}
		token, expires, err := authService.IssueToken(*issueToken, role)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		logger.Info("Token issued", zap.String("subject", *issueToken), zap.Time("expires", expires))
		return
	}

	lifecycle := system.NewLifecycleManager(cfg, authService, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	err = lifecycle.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatal("Failed to start OpenSensorCore", zap.Error(err))
	}

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-lifecycle.Errors():
		logger.Error("REST API failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenSensorCore stopped successfully")
}
