// Command quizcadenced runs the real-time quiz cadence coordination server.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"nrgchamp/quizcadence/internal/app"
	"nrgchamp/quizcadence/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer application.Close()

	application.Logger().Info("quizcadence_starting",
		"listen", cfg.ListenAddress,
		"cycle", cfg.Cycle.String(),
		"lobby", cfg.Lobby.String(),
		"num_rooms", cfg.NumRooms,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		application.Logger().Error("quizcadence_exited_with_error", "err", err)
		log.Fatal(err)
	}
}
