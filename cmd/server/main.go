package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	sigstore "github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// backend stores both session records and call message logs.
type backend interface {
	core.SessionStore
	core.MessageLog
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, closeStore, err := openBackend(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open signaling store")
	}
	defer closeStore()

	engine, err := rtc.NewEngine(
		rtc.DevicePolicy{AllowAudio: cfg.Media.AllowAudio, AllowVideo: cfg.Media.AllowVideo},
		rtc.Timeouts{
			Disconnected: cfg.ICE.DisconnectedTimeout,
			Failed:       cfg.ICE.FailedTimeout,
			KeepAlive:    cfg.ICE.KeepaliveInterval,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build media engine")
	}

	profiles := app.NewProfiles()
	callCfg := call.Config{
		RingTimeout:    cfg.Call.RingTimeout,
		DeleteGrace:    cfg.Call.DeleteGrace,
		PublishTimeout: cfg.Call.PublishTimeout,
		ICEServers:     cfg.ICE.WebRTCServers(),
	}
	hub := orch.NewHub(func(ctx context.Context, id domain.UserID) (*orch.Orchestrator, error) {
		channel := sigstore.NewChannel(id, store)
		manager := call.NewManager(id, engine, channel, store, callCfg)
		o := orch.New(manager, store, profiles, app.LexicalPolicy{})
		if err := o.Start(ctx); err != nil {
			return nil, err
		}
		return o, nil
	})
	defer hub.Close()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Hub:      hub,
		Profiles: profiles,
		Limiter:  router.NewActionLimiter(cfg.RateLimit.Actions, cfg.RateLimit.Interval),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("PeerCall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, func(), error) {
	if cfg.Backend != config.BackendMongo {
		log.Info().Str("backend", config.BackendMemory).Msg("signaling store ready")
		return sigstore.NewMemoryStore(), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := sigstore.ConnectMongo(dialCtx, cfg.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	s, err := sigstore.NewMongoStore(dialCtx, client, cfg.MongoDatabase)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	log.Info().Str("backend", config.BackendMongo).Str("database", cfg.MongoDatabase).Msg("signaling store ready")
	return s, func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect")
		}
	}, nil
}
