// Command mcp serves Safehold escrow tools to MCP clients over stdio.
// Stdout carries the protocol, so all logging goes to stderr.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api-url", os.Getenv("SAFEHOLD_API_URL"), "Safehold API base URL")
	userID := flag.String("user", os.Getenv("SAFEHOLD_USER_ID"), "default user id for listing and creating escrows")
	logLevel := flag.String("log-level", "warn", "stderr log level")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, *logLevel, "text")
	slog.SetDefault(logger)

	if *apiURL == "" {
		*apiURL = "http://localhost:8080"
	}
	cfg := mcpserver.Config{APIURL: *apiURL, UserID: *userID}
	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL, "user_id", cfg.UserID, "version", Version)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
