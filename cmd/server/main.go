package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"devbridge/internal/bridge"
	"devbridge/internal/command"
	"devbridge/internal/config"
	"devbridge/internal/portmon"
	"devbridge/internal/session"
)

func main() {
	cfgPath := os.Getenv("DEVBRIDGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "devbridge.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	validator, err := command.New(cfg.ValidatorConfig())
	if err != nil {
		log.Fatalf("compile validator rules: %v", err)
	}

	sessMgr := session.NewManager(session.Config{
		AllowedRoot:   cfg.AllowedRoot,
		DefaultShell:  cfg.DefaultShell,
		MaxSessions:   cfg.MaxSessions,
		IdleTimeout:   cfg.IdleTimeout.Std(),
		GraceTimeout:  cfg.GraceTimeout.Std(),
		SweepInterval: cfg.SweepInterval.Std(),
	}, validator)

	portMon := portmon.New(cfg.ProbeTimeout.Std())
	srv := bridge.New(sessMgr, portMon)

	// Rule-table edits take effect without a restart; a broken edit keeps
	// the previous tables.
	cfgWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		v, err := command.New(next.ValidatorConfig())
		if err != nil {
			log.Printf("rejecting reloaded validator rules: %v", err)
			return
		}
		sessMgr.SetValidator(v)
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer cfgWatch.Close()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")
		sessMgr.Shutdown()
		httpServer.Close()
	}()

	log.Printf("devbridge listening on %s (root %s)", cfg.ListenAddr, cfg.AllowedRoot)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
