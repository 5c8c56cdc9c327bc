package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calltimer/internal/api"
	"calltimer/internal/auth"
	"calltimer/internal/calls"
	"calltimer/internal/config"
	"calltimer/internal/control"
	"calltimer/internal/database"
	"calltimer/internal/logging"
	"calltimer/internal/webhook"
	"calltimer/internal/websocket"
)

func main() {
	command := "start"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "start":
		if err := cmdStart(); err != nil {
			logging.For("main").WithError(err).Error("service failed")
			os.Exit(1)
		}
	case "config":
		cmdConfig()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("calltimer - ends voice calls that run past a maximum duration")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  calltimer start     Start the webhook receiver (default)")
	fmt.Println("  calltimer config    Validate and print the effective configuration")
	fmt.Println("  calltimer status    Show how to check a running service")
	fmt.Println()
	fmt.Println("Configuration is read from $CALLTIMER_CONFIG (default " + config.DefaultPath + "),")
	fmt.Println("then .env ($ENV_FILE) and the environment. MAX_CALL_DURATION_SECONDS is required.")
}

func configPath() string {
	if p := os.Getenv("CALLTIMER_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

// cmdStart wires every component and blocks until SIGINT/SIGTERM
func cmdStart() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer logging.Close()

	log := logging.For("main")
	log.Info("calltimer starting")

	ctrl := control.NewClient(control.Options{
		Timeout:        cfg.Control.RequestTimeout(),
		ClosingMessage: cfg.Control.ClosingMessage,
		ClosingDelay:   cfg.Control.ClosingDelay(),
	})

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	listeners := []calls.Listener{hub}

	var history database.Querier
	if cfg.Database.Enabled {
		conn, err := database.NewConnection(cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = database.EnsureSchema(ctx, conn.DB)
		cancel()
		if err != nil {
			return err
		}

		batcher := database.NewHistoryBatcher(conn.DB)
		batcher.Start()
		defer batcher.Stop()

		listeners = append(listeners, batcher)
		history = conn.DB
		log.Info("call history enabled")
	}

	registry := calls.New(calls.Options{
		MaxDuration: cfg.Timer.MaxDuration(),
		GracePeriod: cfg.Timer.GracePeriod(),
		Terminator:  ctrl,
		Listeners:   listeners,
	})
	defer registry.Close()

	sweeper := calls.NewSweeper(registry, cfg.Timer.SweepInterval())
	sweeper.Start()
	defer sweeper.Stop()

	dispatcher := webhook.NewDispatcher(registry, webhook.Options{
		Tags:              webhook.TagTableFromConfig(cfg.Webhook),
		ControlURLSources: cfg.Webhook.ControlURLSources,
	})

	authn, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("initializing auth: %w", err)
	}
	if cfg.Auth.AdminPasswordHash == "" {
		log.Warn("ADMIN_PASSWORD_HASH not set, admin login disabled")
	}

	server := api.NewServer(cfg, api.Deps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Control:    ctrl,
		Auth:       authn,
		Hub:        hub,
		History:    history,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	log.Infof("webhook url: http://%s/webhook", cfg.Server.Address())
	log.Infof("max call duration: %ds", cfg.Timer.MaxCallDurationSeconds)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %v, shutting down", sig)
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}

// cmdConfig prints the effective configuration with secrets masked
func cmdConfig() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	mask := func(s string) string {
		if s == "" {
			return "(unset)"
		}
		return "****"
	}

	fmt.Printf("Listen address:      %s\n", cfg.Server.Address())
	fmt.Printf("Max call duration:   %v\n", cfg.Timer.MaxDuration())
	fmt.Printf("Grace period:        %v\n", cfg.Timer.GracePeriod())
	fmt.Printf("Sweep interval:      %v\n", cfg.Timer.SweepInterval())
	fmt.Printf("Control timeout:     %v\n", cfg.Control.RequestTimeout())
	fmt.Printf("Closing message:     %q (delay %v)\n", cfg.Control.ClosingMessage, cfg.Control.ClosingDelay())
	fmt.Printf("Control URL sources: %v\n", cfg.Webhook.ControlURLSources)
	fmt.Printf("Extra start tags:    %v\n", cfg.Webhook.StartTags)
	fmt.Printf("Extra end tags:      %v\n", cfg.Webhook.EndTags)
	fmt.Printf("Start statuses:      %v\n", cfg.Webhook.StartStatuses)
	fmt.Printf("Admin user:          %s (password %s)\n", cfg.Auth.AdminUsername, mask(cfg.Auth.AdminPasswordHash))
	fmt.Printf("JWT secret:          %s\n", mask(cfg.Auth.JWTSecret))
	fmt.Printf("Call history:        %v\n", cfg.Database.Enabled)
	fmt.Printf("Log level/format:    %s/%s\n", cfg.Log.Level, cfg.Log.Format)
}

func cmdStatus() {
	fmt.Println("calltimer status")
	fmt.Println("================")
	fmt.Println()
	fmt.Println("Health check:")
	fmt.Println("  curl http://localhost:3000/health")
	fmt.Println()
	fmt.Println("Tracked calls (requires admin token):")
	fmt.Println("  calltimer-cli login --user admin")
	fmt.Println("  calltimer-cli calls list")
	fmt.Println()
	fmt.Println("Live logs:")
	fmt.Println("  journalctl -u calltimer -f")
}
