package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cuestablanca/pos/internal/config"
	"cuestablanca/pos/internal/export"
	"cuestablanca/pos/internal/httpapi"
	"cuestablanca/pos/internal/pricing"
	"cuestablanca/pos/internal/service"
	"cuestablanca/pos/internal/store"
	"cuestablanca/pos/internal/store/memory"
	pgstore "cuestablanca/pos/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	priceCache := pricing.PriceCache(pricing.NoopPriceCache{})
	if cfg.RedisAddr != "" {
		redisCache, err := pricing.NewRedisPriceCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("redis unavailable (%v), using noop price cache", err)
		} else {
			priceCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("price cache: redis")
		}
	} else {
		log.Println("price cache: noop")
	}

	resolver := pricing.NewResolver(repo, priceCache, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second)
	svc := service.New(repo, resolver, cfg.DryRun)
	if cfg.DryRun {
		log.Println("dry-run mode: sales are validated but never persisted")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMins)*time.Minute, repo)
	exporter := export.NewWriter(cfg.ExportDir)
	api := httpapi.New(svc, auth, repo, exporter, cfg.Currency)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS engine listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}
