package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/zacheryvaughn/network-volume-manager/core/chunkstore"
	"github.com/zacheryvaughn/network-volume-manager/core/metadata"
	"github.com/zacheryvaughn/network-volume-manager/core/volume"
	"github.com/zacheryvaughn/network-volume-manager/lib/logger"
)

var log, _ = logger.New("volumed")

func main() {
	if err := run(); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func run() error {
	cfg, err := GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}

	vol, err := volume.New(cfg.Volume.Path)
	if err != nil {
		log.Errorw("startup", "error", "volume not mounted", "path", cfg.Volume.Path)
		return err
	}

	meta, err := metadata.NewService(vol, cfg.Volume.Metadata)
	if err != nil {
		log.Errorw("startup", "error", "metadata store failed")
		return err
	}
	defer meta.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := meta.Reindex(ctx); err != nil {
		log.Errorw("startup", "error", "initial index failed")
		return err
	}

	store, err := chunkstore.NewStore(chunkstore.Config{
		StagingPath: cfg.Volume.Staging,
		MaxFileSize: cfg.Uploads.MaxFileSize,
		MaxActive:   cfg.Uploads.MaxActive,
		IdleTimeout: cfg.Uploads.IdleTimeout,
	}, vol)
	if err != nil {
		log.Errorw("startup", "error", "chunk store failed")
		return err
	}

	store.OnAssembled = func(dir string) {
		meta.Invalidate(dir)
		if err := meta.Refresh(context.Background(), dir); err != nil {
			log.Errorw("metadata", "event", "post-assembly refresh failed", "dir", dir, "error", err)
		}
	}

	watcher := metadata.NewWatcher(meta)

	go store.StartGC(ctx)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			log.Errorw("startup", "error", "watcher failed", "detail", err)
		}
	}()

	api := NewAPI(vol, store, meta, watcher)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: api.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Infow("startup", "status", "volume manager started", "address", addr, "root", vol.Root())
	defer log.Infow("shutdown", "status", "volume manager stopped", "address", addr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Errorw("startup", "error", "http server failed")
		return err
	case <-shutdown:
	}

	log.Infow("shutdown", "status", "volume manager stopping", "address", addr)
	cancel()

	return server.Shutdown(context.Background())
}
