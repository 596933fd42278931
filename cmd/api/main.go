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

	"github.com/dndsync/dndsync/internal/bus"
	"github.com/dndsync/dndsync/internal/config"
	"github.com/dndsync/dndsync/internal/handler"
	"github.com/dndsync/dndsync/internal/model/session"
	sessionservice "github.com/dndsync/dndsync/internal/service/session"
	"github.com/dndsync/dndsync/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	changeBus := bus.New(cfg.Sync.SubscriberQueueSize)

	storeOpts := store.Options{
		LockTimeout: cfg.Store.LockTimeout,
		DefaultSettings: session.Settings{
			GridSize: cfg.Store.GridSize,
			CellSize: cfg.Store.CellSize,
		},
	}
	var sessionStore store.Store
	if cfg.Store.Path != "" {
		sqliteStore, err := store.OpenSQLite(cfg.Store.Path, changeBus, storeOpts)
		if err != nil {
			log.Fatalf("failed to open session store: %v", err)
		}
		sessionStore = sqliteStore
		log.Printf("session store: sqlite at %s", cfg.Store.Path)
	} else {
		sessionStore = store.NewMemoryStore(changeBus, storeOpts)
		log.Println("session store: in-memory (set STORE_PATH for durability)")
	}
	defer func() {
		if err := sessionStore.Close(); err != nil {
			log.Printf("warning: failed to close session store: %v", err)
		}
	}()

	svc := sessionservice.NewService(sessionStore, changeBus, sessionservice.Config{
		IdempotencyTTL: cfg.Sync.IdempotencyTTL,
		DiceLogCap:     cfg.Sync.DiceLogCap,
	})

	router := handler.NewRouter(svc)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("DnD Sync server listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
