package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chronicle/collab/internal/app"
	"chronicle/collab/internal/archive"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/events"
	"chronicle/collab/internal/export"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/relay"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/store"
	"chronicle/collab/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	sinks := []relay.Sink{gitService}
	exporter := export.NewService(export.Options{
		ChromePath: cfg.ChromePath,
		PandocPath: cfg.PandocPath,
		Timeout:    cfg.ExportTimeout,
	})
	deps := app.Deps{
		Documents: dataStore,
		History:   gitService,
		Exporter:  exporter,
		Checks:    map[string]app.Pinger{"database": app.PingFunc(db.PingContext)},
	}
	opts := relay.Options{
		Replica:          util.NewReplicaID(),
		CheckpointEvery:  cfg.CheckpointEvery,
		AwarenessTimeout: cfg.AwarenessTimeout,
		CausalWindow:     cfg.CausalWindow,
		Persistence:      dataStore,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		directory := presence.NewRedisStoreWithClient(client, cfg.AwarenessTimeout)
		opts.Presence = directory
		opts.Fanout = relay.NewRedisFanout(client, cfg.NodeID)
		deps.Presence = directory
		deps.Checks["redis"] = directory
		log.Printf("Using Redis for presence and fan-out (node %s)", cfg.NodeID)
	} else {
		log.Printf("Redis not configured, serving documents from this node only")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		snapshots, err := archive.New(archiveCtx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		cancel()
		if err != nil {
			log.Printf("WARNING: snapshot archive disabled: %v", err)
		} else {
			sinks = append(sinks, snapshots)
		}
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		sinks = append(sinks, meiliClient)
	}
	opts.Sinks = sinks

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Printf("WARNING: update events disabled: %v", err)
		} else {
			dispatcher := events.NewDispatcher(producer, cfg.KafkaTopic, events.Options{MaxRetry: 3})
			defer func() {
				if err := dispatcher.Close(); err != nil {
					log.Printf("kafka close error: %v", err)
				}
			}()
			opts.Publisher = dispatcher
		}
	}

	hub := relay.NewHub(opts)
	defer hub.Close()

	service := app.New(cfg, hub, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Chronicle collab listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
