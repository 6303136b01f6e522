package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/urmzd/zigbridge/pkg/api"
	"github.com/urmzd/zigbridge/pkg/config"
	"github.com/urmzd/zigbridge/pkg/gateway"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", "config.yaml", "Path to config file")
	serialPort := flag.String("port", "", "Serial port override")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}

	log.Info().
		Str("port", cfg.Serial.Port).
		Str("broker", cfg.MQTT.Broker).
		Str("base_topic", cfg.MQTT.BaseTopic).
		Msg("Configuration loaded")

	reg := prometheus.DefaultRegisterer

	gw, err := gateway.New(cfg, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		gw.Stop()
		os.Exit(0)
	}()

	router := api.NewRouter(gw)
	log.Info().Str("address", cfg.Web.ListenAddress).Msg("Starting control plane")
	if err := router.Run(cfg.Web.ListenAddress); err != nil {
		log.Fatal().Err(err).Msg("Control plane failed")
	}
}
