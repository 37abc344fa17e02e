package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/webtty/internal/audit"
	"github.com/gluk-w/webtty/internal/auth"
	"github.com/gluk-w/webtty/internal/config"
	"github.com/gluk-w/webtty/internal/logging"
	"github.com/gluk-w/webtty/internal/registry"
	"github.com/gluk-w/webtty/internal/router"
	"github.com/gluk-w/webtty/internal/server"
	"github.com/gluk-w/webtty/internal/shell"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--purge-audit" {
		runPurgeAudit()
		return
	}

	fs := flag.NewFlagSet("webtty", flag.ExitOnError)
	flags := config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	config.Cfg = cfg

	if err := logging.Init(cfg.LogPath); err != nil {
		log.Fatalf("Logging init: %v", err)
	}
	defer logging.Close()

	log.Printf("Config: Addr=%s, AuthDisabled=%v, ServeHTML=%v, AllowedShells=%v", cfg.Addr(), cfg.AuthDisabled, cfg.ServeHTML, cfg.AllowedShells)
	if cfg.AuthDisabled {
		log.Printf("WARNING: authentication is disabled. Anyone who can reach %s gets a shell as this user. Do not expose this beyond a development machine.", cfg.Addr())
	}

	authMgr, err := auth.NewManager(auth.Options{
		Disabled:          cfg.AuthDisabled,
		Username:          cfg.Username,
		Password:          cfg.Password,
		TTL:               cfg.SessionTTL,
		MaxLifetime:       cfg.SessionMaxLifetime,
		AnonymousLifetime: cfg.AnonymousLifetime,
	})
	if err != nil {
		log.Fatalf("Auth init: %v", err)
	}

	shells := shell.NewManager(shell.Config{
		AllowedShells: cfg.AllowedShells,
		DefaultShell:  cfg.DefaultShell,
		GracePeriod:   cfg.GracePeriod,
		OutputBuffer:  cfg.OutputBuffer,
	})
	reg := registry.New()

	var aud *audit.Auditor
	if cfg.AuditDBPath != "" {
		db, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			log.Fatalf("Audit init: %v", err)
		}
		if aud, err = audit.NewAuditor(db, cfg.AuditRetentionDays); err != nil {
			log.Fatalf("Audit init: %v", err)
		}
		defer aud.Close()
		log.Printf("Audit log at %s (retention %d days)", cfg.AuditDBPath, aud.RetentionDays())
	}

	rt := router.New(authMgr, shells, reg, aud, router.Options{
		MaxMalformed:     cfg.MaxMalformed,
		MaxUnauthorized:  cfg.MaxUnauthorized,
		MaxLoginAttempts: cfg.MaxLoginAttempts,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		MaxRateLimited:   cfg.MaxRateLimited,
	})
	authMgr.OnExpire(rt.SessionExpired)

	// Session sweep and audit retention
	c := cron.New()
	if err := authMgr.Schedule(c, cfg.SweepInterval); err != nil {
		log.Fatalf("Session sweep: %v", err)
	}
	if err := aud.Schedule(c); err != nil {
		log.Fatalf("Audit retention: %v", err)
	}
	c.Start()

	frameLimit, _ := cfg.FrameLimit()
	srv := server.New(server.Options{
		Addr:           cfg.Addr(),
		ServeHTML:      cfg.ServeHTML,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxFrameSize:   frameLimit,
	}, authMgr, shells, reg, rt, aud)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runPurgeAudit() {
	fs := flag.NewFlagSet("purge-audit", flag.ExitOnError)
	days := fs.Int("days", 0, "Delete entries older than this many days (default: configured retention)")
	fs.Parse(os.Args[2:])

	config.Load()
	if config.Cfg.AuditDBPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s_AUDIT_DB_PATH=<path> webtty --purge-audit [--days N]\n", config.EnvPrefix)
		os.Exit(1)
	}

	db, err := audit.Open(config.Cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	aud, err := audit.NewAuditor(db, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	defer aud.Close()

	n, err := aud.PurgeOlderThan(*days)
	if err != nil {
		log.Fatalf("Purge failed: %v", err)
	}
	fmt.Printf("Deleted %d audit entries.\n", n)
}
