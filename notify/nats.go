package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS publishes notifications to per-channel NATS subjects, where the
// hosting application's delivery workers pick them up.
type NATS struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// NewNATS connects to NATS and returns a notifier.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("sentra-notify"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "sentra.notify"
	}

	return &NATS{conn: conn, subjectPrefix: prefix}, nil
}

// Send publishes the payload to "<prefix>.<channel>.<recipient>".
func (n *NATS) Send(ctx context.Context, channel Channel, recipient string, payload []byte) error {
	subject := fmt.Sprintf("%s.%s.%s", n.subjectPrefix, channel, recipient)
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	log.Debug().Str("subject", subject).Int("size", len(payload)).Msg("Notification published")
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() {
	n.conn.Close()
}
