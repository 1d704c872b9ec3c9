package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"dialcore/internal/api"
	"dialcore/internal/calls"
	"dialcore/internal/config"
	"dialcore/internal/database"
	"dialcore/internal/dialer"
	"dialcore/internal/esl"
	"dialcore/internal/events"
	"dialcore/internal/ws"
)

const defaultConfigPath = "/etc/dialcore/dialcore.yaml"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "dialcore",
		Short: "Outbound dialing engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the dialing engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath(configPath))
		},
	}

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("DIALCORE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func runServe(configPath string) error {
	log.Println("[Main] Dialcore engine starting")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Loading config: %v", err)
	}

	conn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Connecting to database: %v", err)
	}
	defer conn.Close()
	repo := database.NewRepository(conn)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("[Main] Connecting to redis: %v", err)
	}
	defer rdb.Close()

	store := calls.NewService(rdb, repo)

	publisher, err := events.NewPublisher(cfg.Kafka)
	if err != nil {
		log.Fatalf("[Main] Connecting to kafka: %v", err)
	}
	defer publisher.Close()

	hub := ws.NewHub()
	go hub.Run()

	eslClient := esl.NewClient(&cfg.Switch)
	eslClient.OnFatal = func(err error) {
		log.Fatalf("[Main] Switch connection unrecoverable: %v", err)
	}
	if err := eslClient.Connect(); err != nil {
		log.Fatalf("[Main] Connecting to switch: %v", err)
	}
	eslClient.Start()
	defer eslClient.Close()

	manager := dialer.NewManager(store, repo, eslClient, publisher, hub, cfg.Dialer)
	manager.Run(eslClient.Subscribe())

	server := api.NewServer(cfg, manager, store, hub)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Main] Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("[Main] HTTP server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown: %v", err)
	}
	manager.Shutdown()
	log.Println("[Main] Stopped")
	return nil
}
