package session

import (
	"context"
	"time"

	"github.com/trustfabric/sentra/incident"
	"github.com/trustfabric/sentra/trust"
)

// recoveryThreshold is the health score below which the self-check
// triggers automatic key recovery.
const recoveryThreshold = 50

// Health is a point-in-time snapshot of the session's security posture.
type Health struct {
	VaultInitialized  bool        `json:"vault_initialized"`
	SchedulerRunning  bool        `json:"scheduler_running"`
	SessionValid      bool        `json:"session_valid"`
	TrustState        trust.State `json:"trust_state"`
	CriticalIncidents int         `json:"critical_incidents_1h"`
	Score             int         `json:"score"`
	CheckedAt         time.Time   `json:"checked_at"`
}

// Health scores the session's current security posture on a 0..100
// scale. Each degraded component subtracts from a perfect score.
func (s *SecuritySession) Health(ctx context.Context) Health {
	h := Health{
		VaultInitialized: s.vault.Initialized(),
		SchedulerRunning: s.scheduler.Running(),
		TrustState:       s.engine.StateOf(s.identity),
		CheckedAt:        time.Now(),
	}

	if info, err := s.auth.CurrentSession(ctx); err == nil {
		h.SessionValid = time.Now().Before(info.ExpiresAt)
	}

	cutoff := time.Now().Add(-time.Hour)
	for _, inc := range s.incidents.Recent(s.identity, 100) {
		if inc.Severity == incident.SeverityCritical && inc.At.After(cutoff) {
			h.CriticalIncidents++
		}
	}

	score := 100
	if !h.VaultInitialized {
		score -= 40
	}
	if !h.SchedulerRunning {
		score -= 10
	}
	if !h.SessionValid {
		score -= 25
	}
	switch h.TrustState {
	case trust.StateElevatedRisk:
		score -= 20
	case trust.StateLocked:
		score -= 60
	}
	score -= 15 * h.CriticalIncidents
	if score < 0 {
		score = 0
	}
	h.Score = score
	return h
}
