package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fcurrie/jpio-golang/internal/config"
	"github.com/fcurrie/jpio-golang/pkg/registry"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	name := flag.String("peripheral", "", "dump only this peripheral")
	heap := flag.Bool("heap", false, "map process memory instead of the device")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", *configPath, err)
		log.Printf("Using default configuration")
		cfg = config.DefaultConfig()
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		log.Fatalf("Invalid peripheral layout: %v", err)
	}

	reg := registry.New(cfg.Opener(*heap))
	if err := reg.Initialize(descs); err != nil {
		log.Fatalf("Failed to map peripherals: %v", err)
	}
	defer reg.Close()

	names := reg.Names()
	if *name != "" {
		names = []string{*name}
	}
	for _, n := range names {
		w, err := reg.Window(n)
		if err != nil {
			log.Printf("Skipping %s: %v", n, err)
			continue
		}
		d, err := reg.Descriptor(n)
		if err != nil {
			log.Printf("Skipping %s: %v", n, err)
			continue
		}
		fmt.Printf("%s at 0x%x (%d registers)\n", n, d.Base, w.Count())
		if err := w.Dump(os.Stdout); err != nil {
			log.Printf("Failed to dump %s: %v", n, err)
		}
	}
}
