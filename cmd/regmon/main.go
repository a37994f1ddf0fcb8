package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcurrie/jpio-golang/internal/config"
	"github.com/fcurrie/jpio-golang/internal/monitor"
	"github.com/fcurrie/jpio-golang/pkg/registry"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	port := flag.Int("port", 0, "port to listen on (overrides config)")
	heap := flag.Bool("heap", false, "map process memory instead of the device")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", *configPath, err)
		log.Printf("Using default configuration")
		cfg = config.DefaultConfig()
	}
	if *port != 0 {
		cfg.Monitor.Port = *port
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		log.Fatalf("Invalid peripheral layout: %v", err)
	}
	reg := registry.New(cfg.Opener(*heap))
	if err := reg.Initialize(descs); err != nil {
		log.Fatalf("Failed to map peripherals: %v", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitor.Port),
		Handler: monitor.NewServer(reg, cfg.Monitor.Interval()).Handler(),
	}

	go func() {
		log.Printf("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server: %v", err)
	}
	if err := reg.Close(); err != nil {
		log.Printf("Failed to close registry: %v", err)
	}
}
