package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/runclub/attendance/internal/calendar"
	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/config"
	"github.com/runclub/attendance/internal/database"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/export"
	"github.com/runclub/attendance/internal/gateway"
	"github.com/runclub/attendance/internal/registration"
	"github.com/runclub/attendance/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	loc, err := time.LoadLocation(cfg.App.TimeZone)
	if err != nil {
		log.Fatalf("Invalid TIME_ZONE %q: %v", cfg.App.TimeZone, err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	if err := database.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := repository.New(db, cfg.Database.Driver)
	issuer := codeissuer.New(cfg.Security.SigningKey, cfg.SessionCode.Alphabet, cfg.SessionCode.Length, cfg.App.PublicBaseURL)
	bus := eventbus.New(eventbus.DefaultBufferSize)
	cal := calendar.New(store, issuer, bus, loc)
	engine := registration.New(store, cal, issuer, bus, cfg.App.MaxRunnerIDLen)
	exporter := export.New(store)

	handler := gateway.New(cfg, gateway.Dependencies{
		Calendar:     cal,
		Registration: engine,
		Store:        store,
		Issuer:       issuer,
		Export:       exporter,
		Bus:          bus,
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the /events stream writes for the lifetime of the connection
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on %s (time zone %s)", cfg.Server.Address, loc)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
