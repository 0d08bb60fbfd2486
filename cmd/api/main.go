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

	"resonote/api/internal/app"
	"resonote/api/internal/blob"
	"resonote/api/internal/config"
	"resonote/api/internal/email"
	"resonote/api/internal/realtime"
	"resonote/api/internal/search"
	"resonote/api/internal/session"
	"resonote/api/internal/store"
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

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	// Refresh tokens live in Redis when available; the Postgres table
	// covers single-box setups without it.
	var sessions app.RefreshStore = dataStore
	var hub *realtime.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore

		hub, err = realtime.NewHubFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("realtime hub failed: %v", err)
		}
		defer hub.Close()
	} else {
		log.Printf("WARNING: REDIS_URL not set, realtime updates disabled")
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !emailService.IsConfigured() {
		log.Printf("WARNING: SMTP not configured, invitation emails disabled")
	}

	var blobStore *blob.Store
	if strings.TrimSpace(cfg.S3AccessKey) != "" {
		blobStore, err = blob.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3PublicURL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		if err := blobStore.EnsureBucket(ctx, cfg.S3Bucket); err != nil {
			log.Printf("WARNING: ensure bucket %s: %v", cfg.S3Bucket, err)
		}
	} else {
		log.Printf("WARNING: S3 credentials not set, audio uploads disabled")
	}

	service := app.New(cfg, dataStore, sessions, hub, emailService, searchService, blobStore)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	root := http.NewServeMux()
	if hub != nil {
		gateway := realtime.NewGateway(hub, func(ctx context.Context, token string) (realtime.Identity, error) {
			sess, err := service.SessionFromToken(ctx, token)
			if err != nil {
				return realtime.Identity{}, err
			}
			return realtime.Identity{UserID: sess.UserID, Email: sess.Email}, nil
		}, dataStore)
		root.Handle("/api/realtime", gateway)
	}
	root.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Resonote API listening on %s", cfg.Addr)
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
