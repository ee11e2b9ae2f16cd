// Command server runs the payment gateway standalone.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/TessaraPay/gateway/pkg/gateway"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway.fatal")
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("TESSARA_CONFIG"), "path to YAML config file (optional, env overrides apply)")
	flag.Parse()

	// .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	app, err := gateway.NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("gateway.close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
