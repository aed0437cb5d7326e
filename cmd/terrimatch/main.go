package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lisuiheng/terrimatch-go/chat"
	"github.com/lisuiheng/terrimatch-go/config"
	"github.com/lisuiheng/terrimatch-go/core"
	"github.com/lisuiheng/terrimatch-go/credits"
	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/notification"
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
	if err := cfg.ValidateClient(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Client stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Client shutdown completed")
}

func run(ctx context.Context, cfg config.Config) error {
	user, token, err := resolveIdentity(ctx, cfg)
	if err != nil {
		return err
	}
	cfg.Client.AccessToken = token
	cfg.Client.UserID = user.Key()

	client, err := core.NewClient(cfg.Client, logger.Logger())
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close client", "error", err)
		}
	}()

	roomOpts := []chat.Option{
		chat.WithRecipient(cfg.Chat.RecipientID),
		chat.WithHistoryLimit(cfg.Chat.HistoryLimit),
		chat.WithLogger(logger.Logger()),
	}
	centerOpts := []notification.Option{
		notification.WithListLimit(cfg.Notifications.ListLimit),
		notification.WithLogger(logger.Logger()),
	}
	if cfg.Notifications.Terminal {
		centerOpts = append(centerOpts, notification.WithNotifier(&notification.WriterNotifier{W: os.Stdout}))
	}

	if cfg.Store.DSN != "" {
		store, err := postgres.Open(ctx, cfg.Store, logger.Logger())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		roomOpts = append(roomOpts, chat.WithStore(store))
		centerOpts = append(centerOpts, notification.WithStore(store), notification.WithChangeFeed(store.ChangeFeed()))
	}

	who := identity.Static(user)
	room := chat.NewRoom(client, who, cfg.Chat.ConversationID, roomOpts...)
	center := notification.NewCenter(client, who, centerOpts...)
	ticker := credits.NewTicker(client,
		credits.WithLowBalanceThreshold(cfg.Credits.LowBalanceThreshold),
		credits.WithLogger(logger.Logger()),
	)
	ticker.OnLowBalance(func(balance int64) {
		err := center.Ingest(ctx, notification.Notification{
			ID:        "low-balance-" + uuid.NewString(),
			Category:  notification.CategoryLowBalance,
			Title:     "Low balance",
			Body:      fmt.Sprintf("%d credits left", balance),
			CreatedAt: time.Now(),
		})
		if err != nil {
			logger.Warn("Low balance alert kept locally", "error", err)
		}
	})

	ui := newCLI(os.Stdin, os.Stdout, client, room, center, ticker)
	cancelState := client.OnStateChange(ui.stateChanged)
	defer cancelState()
	room.OnChange(ui.messagesChanged)

	if err := ticker.Activate(ctx); err != nil {
		logger.Warn("Credits unavailable", "error", err)
	}
	defer ticker.Deactivate()
	if err := room.Activate(ctx); err != nil {
		logger.Warn("Chat history unavailable", "error", err)
	}
	defer room.Deactivate()
	if err := center.Activate(ctx); err != nil {
		logger.Warn("Notifications unavailable", "error", err)
	}
	defer center.Deactivate()

	logger.Info("Starting terrimatch client", "user", user.Key(), "conversation", cfg.Chat.ConversationID)
	return ui.run(ctx)
}

// resolveIdentity returns the session user and token, exchanging Telegram
// initData when no token is configured.
func resolveIdentity(ctx context.Context, cfg config.Config) (identity.User, string, error) {
	if cfg.Identity.Token != "" {
		user := identity.User{ID: cfg.Identity.UserID, Username: cfg.Identity.Username}
		return user, cfg.Identity.Token, nil
	}
	authURL, err := cfg.AuthURL()
	if err != nil {
		return identity.User{}, "", err
	}
	return exchangeInitData(ctx, authURL, cfg.Identity.InitData)
}
