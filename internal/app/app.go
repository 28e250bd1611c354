package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	client "conclave/client"
	"conclave/client/internal/telemetry"
	"conclave/client/logging"
	loggingSinks "conclave/client/logging/sinks"
)

// Run wires the logging router and the engine from environment configuration
// and drives the engine until ctx is cancelled.
func Run(ctx context.Context) error {
	telemetryLogger := telemetry.WrapLogger(log.Default())

	logConfig := logging.DefaultConfig()
	sinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	if path := os.Getenv("CONCLAVE_LOG_FILE"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSONSink(file, logConfig.JSON.FlushInterval),
		})
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
	}

	router, err := logging.NewRouter(nil, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("close logging router: %v", cerr)
		}
	}()

	cfg := client.Config{
		ServerURL:    envString("CONCLAVE_SERVER_URL", "ws://localhost:8080/ws"),
		DatabasePath: envString("CONCLAVE_DB_PATH", "conclave.db"),
		PlayerID:     os.Getenv("CONCLAVE_PLAYER_ID"),
		PlayerName:   os.Getenv("CONCLAVE_PLAYER_NAME"),
	}
	if raw := os.Getenv("CONCLAVE_TICK_INTERVAL_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.TickInterval = time.Duration(value) * time.Millisecond
		} else {
			telemetryLogger.Printf("invalid CONCLAVE_TICK_INTERVAL_MS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("CONCLAVE_MAX_CACHE_SIZE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.MaxCacheSize = value
		} else {
			telemetryLogger.Printf("invalid CONCLAVE_MAX_CACHE_SIZE=%q: %v", raw, err)
		}
	}

	counters := telemetry.NewCounters()
	engine, err := client.New(cfg, client.Options{
		Publisher: router,
		Logger:    telemetryLogger,
		Metrics:   counters,
	})
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			telemetryLogger.Printf("close engine: %v", cerr)
		}
	}()

	if credential := os.Getenv("CONCLAVE_CREDENTIAL"); credential != "" {
		engine.Connect(ctx, credential)
	}

	telemetryLogger.Printf("engine running against %s", cfg.ServerURL)
	engine.Run(ctx)
	return nil
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
