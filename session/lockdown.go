package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/trustfabric/sentra/incident"
)

// Controller is the escalation point every component can reach. It owns
// the two response levels: forced re-authentication and full emergency
// lockdown.
type Controller struct {
	mu         sync.Mutex
	lockedDown bool
	s          *SecuritySession
}

func newController(s *SecuritySession) *Controller {
	return &Controller{s: s}
}

// LogIncident records a security incident through the shared pipeline
// and returns the incident id.
func (c *Controller) LogIncident(ctx context.Context, typ incident.Type, severity incident.Severity, details map[string]string) string {
	return c.s.incidents.Record(ctx, incident.Incident{
		Identity: c.s.identity,
		Type:     typ,
		Severity: severity,
		Details:  details,
	})
}

// ForceReauth invalidates the identity's satisfied authentication
// factors. Vault contents and behavioral history survive; the identity
// must re-satisfy the factors required at the current risk score before
// further vault access.
func (c *Controller) ForceReauth(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.lockedDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	log.Warn().Str("identity", c.s.identity).Str("reason", reason).Msg("Forcing re-authentication")
	c.s.coordinator.InvalidateFactors(c.s.identity)
	c.s.incidents.Record(ctx, incident.Incident{
		Identity: c.s.identity,
		Type:     incident.TypeForcedReauth,
		Severity: incident.SeverityMedium,
		Details:  map[string]string{"reason": reason},
	})
}

// EmergencyLockdown purges the vault, clears all in-memory trust and
// auth state for the identity, invalidates the session with the auth
// collaborator, and records a terminal incident. Irreversible for the
// session: a new session must re-initialize every component. Idempotent;
// only the first call acts.
func (c *Controller) EmergencyLockdown(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.lockedDown {
		c.mu.Unlock()
		return
	}
	c.lockedDown = true
	c.mu.Unlock()

	log.Error().Str("identity", c.s.identity).Str("reason", reason).Msg("EMERGENCY LOCKDOWN")

	if err := c.s.vault.PurgeAll(ctx); err != nil {
		log.Error().Err(err).Msg("Vault purge failed during lockdown")
	}
	// Reset trust to the neutral baseline, then pin the state machine at
	// LOCKED for the remainder of this session.
	c.s.engine.Reset(c.s.identity)
	c.s.engine.Lock(c.s.identity)
	c.s.coordinator.Reset(c.s.identity)

	if err := c.s.auth.InvalidateSession(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to invalidate session during lockdown")
	}

	// Terminal incident. onIncident ignores lockdown incidents, so this
	// cannot re-trigger the controller.
	c.s.incidents.Record(ctx, incident.Incident{
		Identity: c.s.identity,
		Type:     incident.TypeEmergencyLockdown,
		Severity: incident.SeverityCritical,
		Details:  map[string]string{"reason": reason},
	})

	// Lockdown may be triggered from inside a scheduled task, so the
	// scheduler must not be joined from here.
	go c.s.scheduler.Stop()
}

// LockedDown reports whether an emergency lockdown has occurred.
func (c *Controller) LockedDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedDown
}
