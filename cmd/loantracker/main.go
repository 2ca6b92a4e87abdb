package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/loantracker/internal/config"
	"github.com/dukerupert/loantracker/internal/currency"
	"github.com/dukerupert/loantracker/internal/database"
	"github.com/dukerupert/loantracker/internal/geoip"
	"github.com/dukerupert/loantracker/internal/kv"
	"github.com/dukerupert/loantracker/internal/logging"
	"github.com/dukerupert/loantracker/internal/proof"
	"github.com/dukerupert/loantracker/internal/push"
	"github.com/dukerupert/loantracker/internal/server"
)

func main() {
	genVAPID := flag.Bool("gen-vapid-keys", false, "print a new VAPID key pair as env lines and exit")
	flag.Parse()

	if *genVAPID {
		if err := printVAPIDKeys(os.Stdout); err != nil {
			slog.Error("generate vapid keys", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	geo, closeGeo, err := geoip.Open(cfg.GeoIPDB)
	if err != nil {
		logger.Error("failed to open geoip database", "error", err)
		os.Exit(1)
	}
	defer closeGeo()

	deps := server.Deps{
		Geo:       geo,
		Converter: currency.NewTranslator(cfg.RatesURL, &http.Client{Timeout: 10 * time.Second}),
		Proofs: proof.New(proof.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PublicURL: cfg.S3.PublicURL,
		}),
	}

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		counter, err := kv.Open(ctx, cfg.RedisURL, logger.With("component", "redis"))
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer counter.Close()
		deps.Counter = counter
	}

	pushCfg := push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
	}
	if pushCfg.Enabled() {
		deps.Push = push.NewService(pushCfg, &http.Client{Timeout: 10 * time.Second})
	} else {
		logger.Info("web push disabled, VAPID keys not set")
	}

	srv := server.New(db, cfg, deps, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	srv.Reminder().Start(bgCtx)

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("loantracker starting", "addr", httpServer.Addr,
			"redis", cfg.RedisURL != "", "proof_uploads", deps.Proofs.Enabled(), "push", deps.Push != nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	srv.Reminder().Stop()
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// printVAPIDKeys writes a fresh key pair in .env form.
func printVAPIDKeys(w io.Writer) error {
	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "LOANTRACKER_VAPID_PUBLIC_KEY=%s\nLOANTRACKER_VAPID_PRIVATE_KEY=%s\n", pub, priv)
	return err
}
