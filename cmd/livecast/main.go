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

	"livecast/native/internal/api"
	"livecast/native/internal/config"
	"livecast/native/internal/domain"
	"livecast/native/internal/engine"
	"livecast/native/internal/logger"
	"livecast/native/internal/media"
	"livecast/native/internal/metrics"
	"livecast/native/internal/relay"
	"livecast/native/internal/session"
	sigchannel "livecast/native/internal/signal"
	"livecast/native/internal/webrtc"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const helpText = `livecast - one-to-one live video between a broadcaster and a viewer

Usage:
  livecast [options]

Both participants join the same room over a shared relay (Redis pub/sub or
the relayd websocket hub). The broadcaster streams a video file (IVF or
H264 Annex-B) and an OGG audio file; the viewer answers with a push-to-talk microphone.
Everything is driven through the local control API:

  GET  /status            relay status, room presence, negotiation state,
                          signal history
  POST /broadcast/start   go live (broadcaster)
  POST /broadcast/stop    stop the broadcast (broadcaster)
  POST /watch             ask the broadcaster for a stream (viewer)
  POST /mic               {"enabled": true|false}
  GET  /metrics           prometheus metrics

Environment Variables:
  LIVECAST_ROOM           room to join (required)
  LIVECAST_ROLE           broadcaster | viewer (default viewer)
  LIVECAST_RELAY_BACKEND  redis | websocket (default redis)
  LIVECAST_REDIS_ADDRESS  redis address (default localhost:6379)
  LIVECAST_RELAY_URL      relayd websocket URL (default ws://localhost:8090/ws)
  LIVECAST_VIDEO_FILE     IVF or H264 Annex-B (.h264) file used as the camera
  LIVECAST_AUDIO_FILE     OGG/Opus file used as the microphone
  LIVECAST_RECORD_DIR     write received media into this directory
  LIVECAST_CONTROL_ADDRESS control API address (default 127.0.0.1:8080)

Examples:
  # Broadcast a test clip
  LIVECAST_ROOM=studio LIVECAST_ROLE=broadcaster \
    LIVECAST_VIDEO_FILE=clip.ivf LIVECAST_AUDIO_FILE=clip.ogg livecast
  curl -X POST localhost:8080/broadcast/start

  # Watch and record it
  LIVECAST_ROOM=studio LIVECAST_RECORD_DIR=./recordings \
    LIVECAST_CONTROL_ADDRESS=127.0.0.1:8081 livecast
  curl -X POST localhost:8081/watch

Options:
  -c, --config PATH  YAML configuration file (default livecast.yaml)
  -h, --help         Show this help message
`

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := "livecast.yaml"
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			fmt.Print(helpText)
			os.Exit(0)
		case "-c", "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "missing value for", args[i])
				os.Exit(2)
			}
			i++
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q\n\n%s", args[i], helpText)
			os.Exit(2)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar().Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, zl); err != nil {
		log.Errorw("exiting", "error", err)
		zl.Sync()
		os.Exit(1)
	}
	log.Infow("done")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	log := zl.Sugar()
	m := metrics.NewCollector()

	rel, closeRelay, err := newRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRelay()

	pionAPI, err := webrtc.NewAPI(webrtc.APIConfig{
		PortMin:       cfg.WebRTC.PortRange.Min,
		PortMax:       cfg.WebRTC.PortRange.Max,
		LoggerFactory: logger.NewPionFactory(zl),
	})
	if err != nil {
		return err
	}
	peers := webrtc.NewFactory(pionAPI, cfg.WebRTC.ICEServers, cfg.WebRTC.FilterLoopback, log)
	src := media.NewFileSource(cfg.Media.VideoFile, cfg.Media.AudioFile, log)

	ch := sigchannel.New(rel,
		sigchannel.WithRetryDelay(cfg.Signal.ReconnectDelay),
		sigchannel.WithHistorySize(cfg.Signal.HistorySize),
		sigchannel.WithLogger(log),
		sigchannel.WithMetrics(m),
	)

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithSendTimeout(cfg.Signal.SendTimeout),
	}
	if cfg.Record.Dir != "" {
		rec, err := webrtc.NewRecorder(cfg.Record.Dir, log)
		if err != nil {
			return err
		}
		defer rec.Wait()
		opts = append(opts, engine.OnRemoteTrack(func(rt domain.RemoteTrack) {
			if _, err := rec.Record(rt); err != nil {
				log.Warnw("cannot record track", "error", err)
			}
		}))
	}

	self := domain.NewParticipantID(cfg.Session.Account)
	eng := engine.New(cfg.Role(), self, peers, src, ch, opts...)
	sess := session.New(cfg.Session.Room, ch, eng, log)

	log.Infow("joining", "room", cfg.Session.Room, "role", cfg.Session.Role, "identity", self, "relay", cfg.Relay.Backend)
	if err := sess.Join(ctx); err != nil {
		return fmt.Errorf("join %s: %w", cfg.Session.Room, err)
	}
	defer sess.Leave()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Control.Address,
		Handler:           api.NewServer(sess, m, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("control API listening", "address", cfg.Control.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("control API shutdown", "error", err)
		srv.Close()
	}
	return nil
}

func newRelay(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (domain.Relay, func(), error) {
	switch cfg.Relay.Backend {
	case config.RelayRedis:
		client, err := relay.NewRedisClient(ctx,
			cfg.Relay.Redis.Address,
			cfg.Relay.Redis.Password,
			cfg.Relay.Redis.DB,
			cfg.Relay.Redis.PoolSize,
			log,
		)
		if err != nil {
			return nil, nil, err
		}
		return relay.NewRedis(client, cfg.Signal.SubscribeTimeout, log), func() { client.Close() }, nil

	case config.RelayWebSocket:
		ws := relay.NewWebSocket(cfg.Relay.WebSocket.URL, cfg.Signal.SubscribeTimeout, cfg.Relay.WebSocket.PingInterval, log)
		return ws, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
}
