package main

import (
	"context"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tbouder/echoscribe/internal/batch"
	"github.com/tbouder/echoscribe/internal/config"
	"github.com/tbouder/echoscribe/internal/gdrive"
	"github.com/tbouder/echoscribe/internal/llm"
	"github.com/tbouder/echoscribe/internal/persist"
	"github.com/tbouder/echoscribe/internal/server"
	"github.com/tbouder/echoscribe/internal/session"
	"github.com/tbouder/echoscribe/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	log.Println("echoscribe: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	kv, err := storage.NewKV(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = kv.Close() }()

	creds := storage.NewCredentials(kv)
	if cfg.APIKey != "" {
		if err := creds.Set(cfg.APIKey); err != nil {
			log.Fatalf("store API key failed: %v", err)
		}
	}

	factory := func(apiKey, model string) (llm.Client, error) {
		provider, modelName, err := llm.ParseModel(model)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(provider, apiKey, modelName)
	}

	hub := server.NewHub()
	coordinator := persist.New(kv)

	machine := session.NewMachine(factory, creds, coordinator, cfg.Model)
	if cfg.Greeting != "" {
		machine.SetGreeting(cfg.Greeting)
	}
	machine.Subscribe(coordinator)
	machine.Subscribe(hub)

	processor := batch.New(kv, cfg.BatchWorkers)
	processor.OnItem = hub.BroadcastBatchItem

	exporter := storage.NewWriter(cfg.ExportDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requestTimeout := cfg.ParsedRequestTimeout()

	// Recovery of a saved session runs once, as soon as a credential is
	// available: either at startup or right after one is stored via the API.
	var recoverOnce sync.Once
	tryRecover := func() {
		if _, ok := creds.Key(); !ok {
			return
		}
		recoverOnce.Do(func() {
			go func() {
				rctx, rcancel := context.WithTimeout(ctx, requestTimeout)
				defer rcancel()
				machine.Recover(rctx)
			}()
		})
	}
	tryRecover()

	var syncer *gdrive.Syncer
	if cfg.GDriveFolderID != "" {
		s, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			syncer = s
		}
	}

	controls := server.ControlHooks{
		OnKeySet: tryRecover,
		NewGateway: func() (llm.Client, error) {
			key, ok := creds.Key()
			if !ok {
				return nil, session.ErrNoAPIKey
			}
			return factory(key, machine.Snapshot().Model)
		},
		OnExport: func(path string) {
			if syncer == nil {
				return
			}
			go func() {
				if err := syncer.SyncExport(path, filepath.Base(path)); err != nil {
					log.Printf("gdrive export sync error: %v", err)
				}
			}()
		},
		Warnings: func() []string { return warnings },
	}

	staticFS := staticAssets(cfg.WebDir)

	handler, err := server.Handler(staticFS, hub, machine, creds, processor, exporter, controls)
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		log.Printf("web UI at http://%s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	if syncer != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					date := time.Now().UTC().Format("2006-01-02")
					if err := syncer.SyncDB(cfg.DBPath, date); err != nil {
						log.Printf("gdrive sync error: %v", err)
					}
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("echoscribe: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	cancel()
}

func staticAssets(webDir string) fs.FS {
	if webDir == "" {
		return nil
	}
	return os.DirFS(webDir)
}
