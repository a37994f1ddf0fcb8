package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/internal/config"
	"github.com/fcurrie/jpio-golang/pkg/gpio"
	"github.com/fcurrie/jpio-golang/pkg/mmap"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
	"github.com/fcurrie/jpio-golang/pkg/registry"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	pin := flag.Int("pin", 5, "BCM GPIO pin to toggle")
	period := flag.Duration("period", time.Second, "toggle period")
	chip := flag.String("chip", gpio.DefaultChip, "GPIO chip for the character device fallback")
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", *configPath, err)
		log.Printf("Using default configuration")
		cfg = config.DefaultConfig()
	}

	out, cleanup, err := openOutput(cfg, *pin, *chip)
	if err != nil {
		log.Fatalf("Failed to open pin %d: %v", *pin, err)
	}
	defer cleanup()
	defer out.Close()

	log.Printf("Toggling GPIO %d every %v", *pin, *period)

	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	value := 0
	for {
		select {
		case <-sigChan:
			log.Println("Shutting down...")
			return
		case <-ticker.C:
			value ^= 1
			if err := out.SetValue(value); err != nil {
				log.Printf("Failed to set value: %v", err)
				continue
			}
			log.Printf("Set GPIO value to %d", value)
		}
	}
}

// openOutput drives the pin through the GPIO register window, falling back
// to the character device when the memory device cannot be opened.
func openOutput(cfg *config.Config, pin int, chip string) (gpio.DigitalOutput, func(), error) {
	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, nil, err
	}

	reg := registry.New(cfg.Opener(false))
	err = reg.Initialize(descs)
	var openErr *mmap.DeviceOpenError
	if errors.As(err, &openErr) {
		log.Printf("Failed to open %s: %v", openErr.Path, openErr.Err)
		log.Printf("Trying %s...", chip)
		line, err := gpio.RequestLine(chip, pin)
		if err != nil {
			return nil, nil, err
		}
		return line, func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	w, err := reg.Window(peripheral.GPIO)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	out, err := gpio.NewController(w).NewOutput(pin)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return out, func() { reg.Close() }, nil
}
