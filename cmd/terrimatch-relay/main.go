package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lisuiheng/terrimatch-go/config"
	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/relay"
	"github.com/lisuiheng/terrimatch-go/store/postgres"
)

func main() {
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/terrimatch/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		logger.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateRelay(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Relay shutdown completed")
}

func run(ctx context.Context, cfg config.Config) error {
	log := logger.Logger()
	rcfg := cfg.Relay
	if rcfg.NodeID == "" {
		rcfg.NodeID = uuid.NewString()
	}

	issuer, err := identity.NewIssuer(rcfg.JWTSecret, rcfg.TokenTTL)
	if err != nil {
		return err
	}

	var hubOpts []relay.HubOption
	var srvOpts []relay.ServerOption

	switch rcfg.Presence.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     rcfg.Presence.RedisAddr,
			Password: rcfg.Presence.RedisPassword,
			DB:       rcfg.Presence.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		hubOpts = append(hubOpts, relay.WithPresence(relay.NewRedisPresence(rdb, rcfg.Presence.KeyPrefix)))
		log.Info("Using redis presence", "addr", rcfg.Presence.RedisAddr)
	default:
		hubOpts = append(hubOpts, relay.WithPresence(relay.NewMemoryPresence()))
	}

	if rcfg.Bridge.Backend == "nats" {
		bridge, err := relay.NewNATSBridge(rcfg.Bridge.NATS, rcfg.NodeID, log)
		if err != nil {
			return err
		}
		hubOpts = append(hubOpts, relay.WithBridge(bridge))
		log.Info("Using NATS bridge", "url", rcfg.Bridge.NATS.URL)
	}

	var store *postgres.Store
	if cfg.Store.DSN != "" {
		store, err = postgres.Open(ctx, cfg.Store, log)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		hubOpts = append(hubOpts, relay.WithBalances(store), relay.WithNotificationWriter(store))
		srvOpts = append(srvOpts, relay.WithProfiles(store), relay.WithHealthCheck(store))
	} else {
		log.Warn("No store configured; balances, profiles and notifications are disabled")
	}

	hub := relay.NewHub(rcfg, log, hubOpts...)
	if err := hub.Start(); err != nil {
		return err
	}

	if store != nil {
		go func() {
			if err := hub.ForwardNotifications(ctx, store.ChangeFeed()); err != nil {
				log.Error("Notification forwarder stopped", "error", err)
			}
		}()
		go func() {
			if err := hub.ForwardWallets(ctx, walletSource{store.WalletFeed()}); err != nil {
				log.Error("Wallet forwarder stopped", "error", err)
			}
		}()
	}

	srv, err := relay.NewServer(rcfg, hub, issuer, log, srvOpts...)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

// walletSource converts store wallet rows into relay credit updates.
type walletSource struct {
	feed *postgres.WalletFeed
}

func (w walletSource) Subscribe(ctx context.Context) (<-chan relay.CreditsUpdate, error) {
	rows, err := w.feed.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan relay.CreditsUpdate)
	go func() {
		defer close(out)
		for u := range rows {
			select {
			case out <- relay.CreditsUpdate{UserID: u.UserID, Credits: u.Credits}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
