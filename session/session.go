// Package session wires the security components into one session-scoped
// unit: the vault, trust engine, and auth coordinator, driven by a
// shared scheduler and guarded by the lockdown controller.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustfabric/sentra/authn"
	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/notify"
	"github.com/trustfabric/sentra/storage"
	"github.com/trustfabric/sentra/trust"
	"github.com/trustfabric/sentra/vault"
)

// SessionInfo describes the current authenticated session as reported
// by the auth collaborator.
type SessionInfo struct {
	Identity  string
	Token     string // opaque session identifier
	ExpiresAt time.Time
}

// AuthProvider is the auth collaborator.
type AuthProvider interface {
	CurrentSession(ctx context.Context) (*SessionInfo, error)
	InvalidateSession(ctx context.Context) error
	RefreshSession(ctx context.Context) error
}

// Scheduled task intervals.
const (
	behavioralScanInterval  = 10 * time.Second
	sessionCheckInterval    = 30 * time.Second
	identityCheckInterval   = 60 * time.Second
	accessRecompInterval    = 120 * time.Second
	healthCheckInterval     = 300 * time.Second
	incidentCleanupInterval = time.Hour
)

// incidentRetention is how long persisted incidents are kept. Longer
// than the in-memory log's window; persisted incidents serve audit, not
// just risk scoring.
const incidentRetention = 7 * 24 * time.Hour

// incidentJanitor is implemented by sinks that can purge old persisted
// incidents, e.g. the sqlite store.
type incidentJanitor interface {
	CleanupIncidents(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds everything a SecuritySession needs at construction.
type Config struct {
	MasterSecret []byte
	Auth         AuthProvider
	Store        storage.Store
	Notifier     notify.Notifier
	Platform     authn.PlatformAuthenticator
	IncidentSink incident.Sink
	EnvelopeTTL  time.Duration
}

// deviceSignal is the most recent device/location report from the host
// application, consumed by the periodic identity check.
type deviceSignal struct {
	fingerprint string
	location    trust.Location
}

// SecuritySession is the top-level unit of the security layer. One
// exists per authenticated session; lockdown or session end makes it
// permanently unusable.
type SecuritySession struct {
	identity    string
	auth        AuthProvider
	vault       *vault.Vault
	engine      *trust.Engine
	coordinator *authn.Coordinator
	incidents   *incident.Log
	lockdown    *Controller
	scheduler   *Scheduler

	signalMu   sync.Mutex
	signal     *deviceSignal
	recovering atomic.Bool
	closed     atomic.Bool
}

// New builds a fully wired session and starts its periodic tasks.
func New(ctx context.Context, cfg Config) (*SecuritySession, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth collaborator is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}

	info, err := cfg.Auth.CurrentSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current session: %w", err)
	}

	s := &SecuritySession{
		identity:  info.Identity,
		auth:      cfg.Auth,
		scheduler: NewScheduler(),
	}

	var incOpts []incident.Option
	if cfg.IncidentSink != nil {
		incOpts = append(incOpts, incident.WithSink(cfg.IncidentSink))
	}
	incOpts = append(incOpts, incident.WithOnRecord(s.onIncident))
	s.incidents = incident.NewLog(incOpts...)

	s.vault, err = vault.New(vault.Config{
		MasterSecret: cfg.MasterSecret,
		SessionID:    info.Token,
		Identity:     info.Identity,
		Store:        cfg.Store,
		Incidents:    s.incidents,
		EnvelopeTTL:  cfg.EnvelopeTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	s.lockdown = newController(s)
	s.engine = trust.NewEngine(s.incidents, trust.WithReauthHook(
		func(ctx context.Context, identity, reason string) {
			s.lockdown.ForceReauth(ctx, reason)
		}))
	s.coordinator = authn.NewCoordinator(cfg.Notifier,
		authn.WithPlatformAuthenticator(cfg.Platform),
		authn.WithIncidentRecorder(s.incidents))
	// The primary login that produced this session counts as the
	// password factor until a forced reauth revokes it.
	s.coordinator.AssumeVerified(info.Identity, authn.FactorPassword)

	s.scheduler.Add("behavioral-scan", behavioralScanInterval, s.runBehavioralScan)
	s.scheduler.Add("session-check", sessionCheckInterval, s.runSessionCheck)
	s.scheduler.Add("identity-check", identityCheckInterval, s.runIdentityCheck)
	s.scheduler.Add("access-recompute", accessRecompInterval, s.runAccessRecompute)
	s.scheduler.Add("health-check", healthCheckInterval, s.runHealthCheck)
	if janitor, ok := cfg.IncidentSink.(incidentJanitor); ok {
		s.scheduler.Add("incident-cleanup", incidentCleanupInterval, func(ctx context.Context) {
			removed, err := janitor.CleanupIncidents(ctx, incidentRetention)
			if err != nil {
				log.Error().Err(err).Msg("Incident cleanup failed")
				return
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Expired incidents cleaned up")
			}
		})
	}
	s.scheduler.Start(ctx)

	log.Info().Str("identity", info.Identity).Msg("Security session initialized")
	return s, nil
}

// onIncident escalates critical findings to the lockdown controller.
// Lockdown's own terminal incident is ignored to break the cycle.
func (s *SecuritySession) onIncident(inc incident.Incident) {
	if inc.Severity != incident.SeverityCritical || inc.Type == incident.TypeEmergencyLockdown {
		return
	}
	go s.lockdown.EmergencyLockdown(context.Background(),
		fmt.Sprintf("critical incident: %s", inc.Type))
}

// Protect stores a value in the vault after the access check passes.
func (s *SecuritySession) Protect(ctx context.Context, key string, value any, domain vault.Domain) error {
	if err := s.checkAccess(); err != nil {
		return err
	}
	return s.vault.Store(ctx, key, value, domain)
}

// Reveal retrieves a value from the vault after the access check
// passes. Absent or unrecoverable values yield (nil, nil).
func (s *SecuritySession) Reveal(ctx context.Context, key string, domain vault.Domain) (json.RawMessage, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	return s.vault.Retrieve(ctx, key, domain)
}

// Remove deletes a vault value after the access check passes.
func (s *SecuritySession) Remove(ctx context.Context, key string) error {
	if err := s.checkAccess(); err != nil {
		return err
	}
	return s.vault.Delete(ctx, key)
}

// checkAccess enforces step-up authentication: every factor required at
// the current risk score must be satisfied before vault access.
func (s *SecuritySession) checkAccess() error {
	return s.coordinator.CheckAccess(s.identity, s.engine.RiskScore(s.identity))
}

// ObserveSample feeds a behavioral sample into the trust engine.
func (s *SecuritySession) ObserveSample(ctx context.Context, sample trust.Sample) {
	s.engine.ObserveSample(ctx, s.identity, sample)
}

// ReportDeviceSignal records the latest device fingerprint and coarse
// location. The periodic identity check compares it against last-known
// values.
func (s *SecuritySession) ReportDeviceSignal(fingerprint string, loc trust.Location) {
	s.signalMu.Lock()
	s.signal = &deviceSignal{fingerprint: fingerprint, location: loc}
	s.signalMu.Unlock()
}

// RiskScore returns the identity's current risk score.
func (s *SecuritySession) RiskScore() int { return s.engine.RiskScore(s.identity) }

// TrustLevel returns the identity's current trust level.
func (s *SecuritySession) TrustLevel() int { return s.engine.TrustLevel(s.identity) }

// Auth exposes the factor coordinator for enrollment and verification.
func (s *SecuritySession) Auth() *authn.Coordinator { return s.coordinator }

// Lockdown exposes the lockdown controller for manual escalation.
func (s *SecuritySession) Lockdown() *Controller { return s.lockdown }

// Incidents exposes the incident log read surface.
func (s *SecuritySession) Incidents() *incident.Log { return s.incidents }

// Close ends the session: stops all periodic tasks and destroys the
// in-memory key material. Stored blobs stay put but are unrecoverable
// without the session key. Idempotent.
func (s *SecuritySession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.scheduler.Stop()
	s.vault.Shutdown()
	log.Info().Str("identity", s.identity).Msg("Security session closed")
}

// runBehavioralScan recomputes risk for every observed identity.
func (s *SecuritySession) runBehavioralScan(ctx context.Context) {
	for _, id := range s.engine.Identities() {
		s.engine.AggregateRisk(ctx, id)
	}
}

// runSessionCheck validates the session with the auth collaborator and
// refreshes it when close to expiry. An already-expired session forces
// re-authentication.
func (s *SecuritySession) runSessionCheck(ctx context.Context) {
	info, err := s.auth.CurrentSession(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session check failed")
		return
	}
	switch {
	case time.Now().After(info.ExpiresAt):
		s.lockdown.ForceReauth(ctx, "session expired")
	case time.Until(info.ExpiresAt) < 2*sessionCheckInterval:
		if err := s.auth.RefreshSession(ctx); err != nil {
			log.Warn().Err(err).Msg("Session refresh failed")
		}
	}
}

// runIdentityCheck verifies the most recent device signal against
// last-known values.
func (s *SecuritySession) runIdentityCheck(ctx context.Context) {
	s.signalMu.Lock()
	sig := s.signal
	s.signalMu.Unlock()
	if sig == nil {
		return
	}
	s.engine.VerifyIdentity(ctx, s.identity, sig.fingerprint, sig.location)
}

// runAccessRecompute refreshes the risk score and logs the factor set
// it now demands.
func (s *SecuritySession) runAccessRecompute(ctx context.Context) {
	risk := s.engine.AggregateRisk(ctx, s.identity)
	required := s.coordinator.RequiredFactors(risk)
	log.Debug().Int("risk", risk).Interface("required_factors", required).
		Msg("Access requirements recomputed")
}

// runHealthCheck scores overall security health and triggers recovery
// below the threshold.
func (s *SecuritySession) runHealthCheck(ctx context.Context) {
	h := s.Health(ctx)
	log.Debug().Int("score", h.Score).Msg("Security health checked")
	if h.Score < recoveryThreshold {
		s.performSecurityRecovery(ctx)
	}
}

// performSecurityRecovery regenerates the vault session key and re-wraps
// stored blobs. Single-flight: concurrent triggers are dropped while a
// recovery is running.
func (s *SecuritySession) performSecurityRecovery(ctx context.Context) {
	if !s.recovering.CompareAndSwap(false, true) {
		log.Debug().Msg("Security recovery already in flight")
		return
	}
	defer s.recovering.Store(false)

	log.Warn().Msg("Performing security recovery")
	info, err := s.auth.CurrentSession(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Security recovery aborted, no session")
		return
	}
	if err := s.vault.RegenerateSessionKey(ctx, info.Token); err != nil {
		log.Error().Err(err).Msg("Session key regeneration failed")
		return
	}
	s.incidents.Record(ctx, incident.Incident{
		Identity: s.identity,
		Type:     incident.TypeKeyRecovery,
		Severity: incident.SeverityLow,
		Details:  map[string]string{"action": "session key regenerated"},
	})
}
