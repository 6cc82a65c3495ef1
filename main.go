package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/lucidhq/workspace-sync/internal/auth"
	"github.com/lucidhq/workspace-sync/internal/config"
	"github.com/lucidhq/workspace-sync/internal/events"
	"github.com/lucidhq/workspace-sync/internal/server"
	"github.com/lucidhq/workspace-sync/internal/store"
	"github.com/lucidhq/workspace-sync/internal/sync"
)

func main() {
	cfg := config.Load()

	st, err := store.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate store: %v", err)
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
	if err != nil {
		log.Fatalf("failed to initialize JWT verifier: %v", err)
	}

	refresher := auth.NewRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.MicrosoftClientID)

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL)
		if err != nil {
			// The event feed is optional; sync works without it
			log.Printf("NATS unavailable, event feed disabled: %v", err)
		} else {
			defer publisher.Close()
			if err := publisher.EnsureStream(context.Background()); err != nil {
				log.Printf("failed to ensure event stream: %v", err)
			}
		}
	}

	sources := sync.NewSourceFactory(refresher, cfg.PubSubTopic, cfg.WebhookBaseURL)
	watcher := sync.NewWatcher(st, sources)
	reconciler := sync.NewReconciler(st, sources, publisher)
	processor := sync.NewProcessor(st, reconciler)
	sweeper := sync.NewSweeper(st, watcher, reconciler)

	r := gin.Default()
	srv := server.New(cfg, st, verifier, refresher, sources, watcher, reconciler, processor, sweeper)
	srv.Register(r)

	log.Printf("workspace-sync listening on :%s", cfg.Port)
	log.Fatal(r.Run(":" + cfg.Port))
}
