package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"livecast/native/internal/logger"
	"livecast/native/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const helpText = `relayd - topic broadcast hub for livecast signaling

Usage:
  relayd [options]

Clients subscribe with a websocket to /ws/<topic>; every frame a client
sends is delivered to the other subscribers of the same topic (and back to
the sender when it connected with ?self=true). Clients also receive a
relay.presence frame with the topic's client count whenever it changes.
GET /topics lists the connected clients per topic.

Environment Variables:
  RELAYD_ADDRESS     listen address (default :8090)
  RELAYD_LOG_LEVEL   debug | info | warn | error (default info)
  RELAYD_LOG_FORMAT  json | console (default json)

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	_ = godotenv.Load()
	address := getenv("RELAYD_ADDRESS", ":8090")
	level := getenv("RELAYD_LOG_LEVEL", "info")

	zl, err := logger.New(level, getenv("RELAYD_LOG_FORMAT", "json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	if level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	hub := relay.NewHub(log)
	hub.Register(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("relay listening", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Errorw("server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("shutdown", "error", err)
	}
	log.Infow("done")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
