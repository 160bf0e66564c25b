// Package main runs the sentra security layer as a standalone process
// for development and integration testing. Production deployments embed
// the session package directly in the host application.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/notify"
	"github.com/trustfabric/sentra/secrets"
	"github.com/trustfabric/sentra/session"
	"github.com/trustfabric/sentra/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/sentra/config.yaml", "Path to configuration file")
	identity := flag.String("identity", "", "Identity to run the session for")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "Error: --identity is required")
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Str("identity", *identity).
		Logger()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *devMode {
		cfg.DevMode = true
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Str("store", cfg.Store).
		Msg("Sentra starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := buildSession(ctx, cfg, *identity)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize security session")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	sess.Close()
	log.Info().Msg("Sentra shutdown complete")
}

// buildSession assembles the collaborators from configuration and wires
// up the session.
func buildSession(ctx context.Context, cfg *Config, identity string) (*session.SecuritySession, error) {
	var (
		store    storage.Store
		notifier notify.Notifier
		provider secrets.Provider
		sink     incident.Sink
		err      error
	)

	if cfg.DevMode {
		store = storage.NewMemory()
		notifier = notify.Discard{}
		secret := make([]byte, secrets.MasterSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate dev secret: %w", err)
		}
		provider, err = secrets.NewStatic(secret)
		if err != nil {
			return nil, err
		}
	} else {
		switch cfg.Store {
		case "memory":
			store = storage.NewMemory()
		case "sqlite":
			db, err := storage.NewSQLite(cfg.SQLitePath)
			if err != nil {
				return nil, fmt.Errorf("failed to open sqlite store: %w", err)
			}
			store = db
			sink = db
		case "s3":
			store, err = storage.NewS3(ctx, cfg.S3)
			if err != nil {
				return nil, fmt.Errorf("failed to create s3 store: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown store %q", cfg.Store)
		}

		sealed, err := os.ReadFile(cfg.SealedSecretPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read sealed secret: %w", err)
		}
		provider, err = secrets.NewKMS(ctx, cfg.KMS, sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to create kms provider: %w", err)
		}

		notifier, err = notify.NewNATS(cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notifier: %w", err)
		}
	}

	secret, err := provider.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain master secret: %w", err)
	}

	return session.New(ctx, session.Config{
		MasterSecret: secret,
		Auth:         newLocalAuth(identity),
		Store:        store,
		Notifier:     notifier,
		IncidentSink: sink,
		EnvelopeTTL:  time.Duration(cfg.EnvelopeTTLHours) * time.Hour,
	})
}

// localAuth is a self-contained auth collaborator for standalone runs.
// It mints an opaque session token locally and rolls it on refresh.
type localAuth struct {
	mu        sync.Mutex
	identity  string
	token     string
	expiresAt time.Time
	valid     bool
}

func newLocalAuth(identity string) *localAuth {
	return &localAuth{
		identity:  identity,
		token:     uuid.NewString(),
		expiresAt: time.Now().Add(time.Hour),
		valid:     true,
	}
}

func (a *localAuth) CurrentSession(ctx context.Context) (*session.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return nil, fmt.Errorf("session invalidated")
	}
	return &session.SessionInfo{
		Identity:  a.identity,
		Token:     a.token,
		ExpiresAt: a.expiresAt,
	}, nil
}

func (a *localAuth) InvalidateSession(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = false
	return nil
}

func (a *localAuth) RefreshSession(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return fmt.Errorf("session invalidated")
	}
	a.expiresAt = time.Now().Add(time.Hour)
	return nil
}
