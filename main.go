package main

import (
	"context"
	"net/http"
	"os"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"trackcast/cache"
	appConfig "trackcast/config"
	"trackcast/database"
	"trackcast/extractor"
	"trackcast/handlers"
	"trackcast/mirrors"
	"trackcast/pipedapi"
	"trackcast/provider"
	"trackcast/resolver"
	"trackcast/sentry"
	"trackcast/songsearch"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Error loading .env file: %v", err)
	}
	setupLogging()
	appConfig.NewConfig()
	sentry.Init()

	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func setupLogging() {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"module"},
		TimestampFormat: time.RFC3339,
	})

	level, err := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func run(ctx context.Context) error {
	cfg := appConfig.Config

	store, err := database.New(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	res := resolver.New(buildCascade(cfg)...)

	manager := cache.NewManager(store, res, cache.Options{
		TTL:           cfg.Cache.TTL,
		RefreshWindow: cfg.Cache.RefreshWindow,
		EvictionGrace: cfg.Cache.EvictionGrace,
		MemoryLimit:   cfg.Cache.MemoryLimit,
	})

	go runScheduler(ctx, manager, cfg.Options.RefreshInterval, cfg.Options.CleanupInterval)

	router := gin.Default()
	router.Use(sentry.GetSentryGin())
	handlers.NewManager(manager).Register(router)

	port := cfg.Options.Port
	if port == "" {
		port = "8080"
	}
	log.Infof("Starting server on :%s", port)
	return http.ListenAndServe(":"+port, router)
}

// buildCascade assembles the fixed-priority provider list. Order matters: a
// cheaper provider must never preempt a higher-priority one, so the resolver
// walks this slice strictly front to back.
func buildCascade(cfg *appConfig.ConfigStruct) []provider.Provider {
	p := cfg.Providers

	piped := pipedapi.New(p.PipedBaseURL, p.Timeout, p.RequestsPerSec)

	cascade := []provider.Provider{
		piped,
		extractor.New(p.ExtractorBase, extractor.ProfileDesktop, p.Timeout),
		extractor.New(p.ExtractorBase, extractor.ProfileMobile, p.Timeout),
		mirrors.New(p.MirrorBaseURLs, p.Timeout, p.RequestsPerSec),
	}

	if p.SearchEnabled() {
		cascade = append(cascade, songsearch.New(p.SearchAPIKey, piped))
	} else {
		log.Warn("YOUTUBE_API_KEY not set; search fallback provider disabled")
	}

	return cascade
}

// runScheduler drives the maintenance sweeps on fixed intervals. The cache
// manager itself owns no timing; it only acts when called.
func runScheduler(ctx context.Context, manager *cache.Manager, refreshEvery, cleanupEvery time.Duration) {
	logger := log.WithFields(log.Fields{"module": "scheduler"})

	refreshTicker := time.NewTicker(refreshEvery)
	cleanupTicker := time.NewTicker(cleanupEvery)
	defer refreshTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			if _, err := manager.RefreshExpiringSoon(ctx); err != nil {
				logger.Errorf("refresh sweep failed: %v", err)
			}
		case <-cleanupTicker.C:
			if _, err := manager.CleanupExpired(ctx); err != nil {
				logger.Errorf("cleanup sweep failed: %v", err)
			}
		}
	}
}
