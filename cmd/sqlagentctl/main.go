package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sqlagent/sqlagent/internal/cli/sqlagentctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("SQLAGENT_CLI_TIMEOUT")), 2*time.Minute)
	options := sqlagentctl.Options{
		BaseURL:  envOr("SQLAGENT_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("SQLAGENT_API_KEY")),
		UserID:   strings.TrimSpace(os.Getenv("SQLAGENT_USER_ID")),
		Password: os.Getenv("SQLAGENT_TARGET_PASSWORD"),
		Timeout:  timeout,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := sqlagentctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid SQLAGENT_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
