package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcurrie/jpio-golang/internal/config"
	"github.com/fcurrie/jpio-golang/pkg/clock"
	"github.com/fcurrie/jpio-golang/pkg/gpio"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
	"github.com/fcurrie/jpio-golang/pkg/pwm"
	"github.com/fcurrie/jpio-golang/pkg/registry"
)

// GPIO18 carries PWM0 with function alt5 and is the only PWM pin on the header
const pwmPin = 18

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	divisor := flag.Float64("divisor", 10, "PWM clock divisor of the 19.2MHz oscillator")
	rng := flag.Uint("range", 1024, "PWM range in clock ticks")
	step := flag.Duration("step", 10*time.Millisecond, "delay between duty cycle steps")
	heap := flag.Bool("heap", false, "map process memory instead of the device")
	flag.Parse()

	if *rng == 0 || *rng > 1<<32-1 {
		log.Fatalf("Range must be in [1, %d]", uint32(1<<32-1))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	gpioWin, err := reg.Window(peripheral.GPIO)
	if err != nil {
		log.Fatalf("Failed to get GPIO window: %v", err)
	}
	pwmWin, err := reg.Window(peripheral.PWM)
	if err != nil {
		log.Fatalf("Failed to get PWM window: %v", err)
	}
	clockWin, err := reg.Window(peripheral.Clock)
	if err != nil {
		log.Fatalf("Failed to get clock window: %v", err)
	}

	div, err := clock.NewDivisor(*divisor)
	if err != nil {
		log.Fatalf("Invalid divisor: %v", err)
	}
	clocks := clock.NewManager(clockWin)
	if err := clocks.Configure(clock.PWMCLK, clock.Oscillator, clock.MashInteger, div); err != nil {
		log.Fatalf("Failed to configure PWM clock: %v", err)
	}
	defer clocks.Stop(clock.PWMCLK)

	pin, err := gpio.NewController(gpioWin).Pin(pwmPin)
	if err != nil {
		log.Fatal(err)
	}
	if err := pin.SetFunction(gpio.Alt5); err != nil {
		log.Fatalf("Failed to route PWM0 to GPIO%d: %v", pwmPin, err)
	}
	defer pin.Close()

	ctl := pwm.NewController(pwmWin)
	top := uint32(*rng)
	if err := ctl.Start(pwm.PWM0, top, 0); err != nil {
		log.Fatalf("Failed to start PWM0: %v", err)
	}
	defer ctl.Stop(pwm.PWM0)

	log.Printf("Fading GPIO%d over %d steps", pwmPin, top)

	ticker := time.NewTicker(*step)
	defer ticker.Stop()
	var data uint32
	up := true
	for {
		select {
		case <-sigChan:
			log.Println("Shutting down...")
			return
		case <-ticker.C:
			if err := ctl.SetData(pwm.PWM0, data); err != nil {
				log.Printf("Failed to set data: %v", err)
				return
			}
			switch {
			case up && data == top:
				up = false
			case !up && data == 0:
				up = true
			}
			if up {
				data++
			} else {
				data--
			}
		}
	}
}
