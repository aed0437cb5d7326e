// Package config loads the YAML configuration shared by the client and relay
// binaries. Every key can be overridden from the environment with the
// TERRIMATCH_ prefix, e.g. TERRIMATCH_CLIENT_URL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/lisuiheng/terrimatch-go/core"
	"github.com/lisuiheng/terrimatch-go/logger"
	"github.com/lisuiheng/terrimatch-go/relay"
	"github.com/lisuiheng/terrimatch-go/store/postgres"
)

const envPrefix = "TERRIMATCH"

// Identity says how the client authenticates: a ready session token plus
// user id, or Telegram initData exchanged at AuthURL.
type Identity struct {
	Token    string `mapstructure:"token"`
	UserID   int64  `mapstructure:"user_id" validate:"gte=0"`
	Username string `mapstructure:"username"`
	InitData string `mapstructure:"init_data"`
	AuthURL  string `mapstructure:"auth_url" validate:"omitempty,url"`
}

type Chat struct {
	ConversationID string `mapstructure:"conversation_id" validate:"required"`
	RecipientID    string `mapstructure:"recipient_id"`
	HistoryLimit   int    `mapstructure:"history_limit" validate:"gte=0"`
}

type Notifications struct {
	ListLimit int  `mapstructure:"list_limit" validate:"gte=0"`
	Terminal  bool `mapstructure:"terminal"`
}

type Credits struct {
	LowBalanceThreshold int64 `mapstructure:"low_balance_threshold" validate:"gte=0"`
}

type Config struct {
	Debug         bool            `mapstructure:"debug"`
	Logging       logger.Config   `mapstructure:"logging"`
	Client        core.Config     `mapstructure:"client"`
	Identity      Identity        `mapstructure:"identity"`
	Chat          Chat            `mapstructure:"chat"`
	Notifications Notifications   `mapstructure:"notifications"`
	Credits       Credits         `mapstructure:"credits"`
	Relay         relay.Config    `mapstructure:"relay"`
	Store         postgres.Config `mapstructure:"store"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.format", "text")

	v.SetDefault("client.transport", "websocket")
	v.SetDefault("client.url", "")
	v.SetDefault("client.access_token", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.protocol_version", 1)
	v.SetDefault("client.reconnect_base", 2*time.Second)
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.dial_timeout", 10*time.Second)
	v.SetDefault("client.ping_interval", 30*time.Second)
	v.SetDefault("client.disconnect_when_unused", false)

	v.SetDefault("identity.token", "")
	v.SetDefault("identity.user_id", 0)
	v.SetDefault("identity.username", "")
	v.SetDefault("identity.init_data", "")
	v.SetDefault("identity.auth_url", "")

	v.SetDefault("chat.conversation_id", "lobby")
	v.SetDefault("chat.recipient_id", "")
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("notifications.list_limit", 100)
	v.SetDefault("notifications.terminal", true)
	v.SetDefault("credits.low_balance_threshold", 100)

	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.node_id", "")
	v.SetDefault("relay.bot_token", "")
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.token_ttl", 24*time.Hour)
	v.SetDefault("relay.init_data_max_age", 24*time.Hour)
	v.SetDefault("relay.allowed_origins", []string{})
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.rate_limit", 20.0)
	v.SetDefault("relay.rate_burst", 40)
	v.SetDefault("relay.ping_interval", 54*time.Second)
	v.SetDefault("relay.pong_wait", 60*time.Second)
	v.SetDefault("relay.write_wait", 10*time.Second)
	v.SetDefault("relay.presence.backend", "memory")
	v.SetDefault("relay.presence.redis_addr", "")
	v.SetDefault("relay.presence.redis_password", "")
	v.SetDefault("relay.presence.redis_db", 0)
	v.SetDefault("relay.presence.key_prefix", "terrimatch")
	v.SetDefault("relay.bridge.backend", "local")
	v.SetDefault("relay.bridge.nats.url", "")
	v.SetDefault("relay.bridge.nats.subject", relay.DefaultBridgeSubject)
	v.SetDefault("relay.bridge.nats.name", "terrimatch-relay")
	v.SetDefault("relay.bridge.nats.reconnect_wait", 500*time.Millisecond)
	v.SetDefault("relay.bridge.nats.timeout", 3*time.Second)

	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.breaker_failures", 5)
	v.SetDefault("store.breaker_timeout", 30*time.Second)
	v.SetDefault("store.migrate", true)
}

// Load reads path, or config.yaml from the search paths when path is empty.
// A missing file is fine when no path was given.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/terrimatch")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

var validate = validator.New()

// ValidateClient checks the sections used by the interactive client.
func (c Config) ValidateClient() error {
	if err := structs(c.Client, c.Identity, c.Chat, c.Notifications, c.Credits); err != nil {
		return err
	}
	if c.Identity.Token == "" && c.Identity.InitData == "" {
		return errors.New("identity: token or init_data required")
	}
	if c.Identity.Token != "" && c.Identity.UserID == 0 {
		return errors.New("identity: user_id required with token")
	}
	return nil
}

// ValidateRelay checks the sections used by the relay server.
func (c Config) ValidateRelay() error {
	if err := structs(c.Relay, c.Store); err != nil {
		return err
	}
	if c.Relay.Bridge.Backend == "nats" && c.Relay.Bridge.NATS.URL == "" {
		return errors.New("relay.bridge.nats.url required with the nats backend")
	}
	return nil
}

func structs(sections ...any) error {
	var msgs []string
	for _, s := range sections {
		err := validate.Struct(s)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			if fe.Param() != "" {
				msg += " (" + fe.Param() + ")"
			}
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// AuthURL returns the Telegram login endpoint, derived from the relay URL
// when not configured.
func (c Config) AuthURL() (string, error) {
	if c.Identity.AuthURL != "" {
		return c.Identity.AuthURL, nil
	}
	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return "", fmt.Errorf("parse client url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/auth/telegram"
	u.RawQuery = ""
	return u.String(), nil
}
