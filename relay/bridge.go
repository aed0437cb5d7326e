package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const DefaultBridgeSubject = "terrimatch.relay.deliver"

// Delivery is a frame routed to other relay nodes. No UserIDs means every
// connected peer.
type Delivery struct {
	Origin  string          `json:"origin"`
	UserIDs []string        `json:"user_ids,omitempty"`
	Raw     json.RawMessage `json:"raw"`
}

// Bridge fans deliveries out between relay nodes.
type Bridge interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(fn func(Delivery)) error
	Close() error
}

// LocalBridge is used by a single node deployment.
type LocalBridge struct{}

func (LocalBridge) Publish(context.Context, Delivery) error { return nil }
func (LocalBridge) Subscribe(func(Delivery)) error { return nil }
func (LocalBridge) Close() error { return nil }

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type NATSBridge struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	nodeID  string
	logger  *slog.Logger
}

func NewNATSBridge(cfg NATSConfig, nodeID string, log *slog.Logger) (*NATSBridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultBridgeSubject
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	log = log.With("component", "bridge", "subject", cfg.Subject)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBridge{nc: nc, subject: cfg.Subject, nodeID: nodeID, logger: log}, nil
}

func (b *NATSBridge) Publish(_ context.Context, d Delivery) error {
	d.Origin = b.nodeID
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe delivers frames published by other nodes.
func (b *NATSBridge) Subscribe(fn func(Delivery)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Warn("Dropping malformed delivery", "error", err)
			return
		}
		if d.Origin == b.nodeID {
			return
		}
		fn(d)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *NATSBridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}
