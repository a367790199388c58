package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/coco/internal/coach"
	"github.com/suPer8Hu/coco/internal/config"
	"github.com/suPer8Hu/coco/internal/feedback"
	"github.com/suPer8Hu/coco/internal/httpapi"
	"github.com/suPer8Hu/coco/internal/relay"
	"github.com/suPer8Hu/coco/internal/session"
	"github.com/suPer8Hu/coco/internal/store/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := newSessionStore(ctx, cfg)

	registry := newProviderRegistry(cfg)
	provider, err := registry.Get(ctx, cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}
	analyzer := feedback.NewAnalyzer(provider, cfg.AnalysisTimeout)

	dialer, err := newAgentDialer(ctx, cfg, registry)
	if err != nil {
		log.Fatalf("voice agent: %v", err)
	}

	svc := coach.NewService(store, relay.NewTracker(), dialer, analyzer, relay.Config{
		PingInterval:  cfg.WSPingInterval,
		WriteTimeout:  cfg.WSWriteTimeout,
		IdleTimeout:   cfg.WSIdleTimeout,
		MaxFrameBytes: cfg.WSMaxFrameBytes,
		AudioFormat:   cfg.AgentAudioFormat,
	})

	if cfg.ArchiveEnabled() {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			// the coach works without the archive
			log.Printf("report archive disabled: rabbit connect failed: %v", err)
		} else {
			defer pub.Close()
			svc.SetReportSink(pub)
			log.Printf("report archive enabled queue=%s", cfg.RabbitQueue)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(cfg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("%s listening addr=%s store=%s ai=%s agent=%s", cfg.AppName, srv.Addr, cfg.SessionStore, cfg.AIProvider, cfg.AgentMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if n := svc.StopRelays(); n > 0 {
		log.Printf("stopping live relays count=%d", n)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if !svc.WaitRelays(shutdownCtx) {
		log.Printf("relays still running at shutdown deadline")
	}
}

func newSessionStore(ctx context.Context, cfg config.Config) session.Store {
	if cfg.SessionStore != "redis" {
		return session.NewMemoryStore()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("redis ping addr=%s: %v", cfg.RedisAddr, err)
	}
	return session.NewRedisStore(rdb, cfg.SessionTTL)
}
