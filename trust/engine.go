// Package trust maintains per-identity trust state and recomputes risk
// scores from behavioral, device, and location signals. The engine owns
// the behavioral ring buffers and TrustState exclusively; everything
// else reads through accessors.
package trust

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustfabric/sentra/incident"
)

// State is the per-identity trust state machine.
type State string

const (
	StateUnverified   State = "UNVERIFIED"
	StateNominal      State = "NOMINAL"
	StateElevatedRisk State = "ELEVATED_RISK"
	StateLocked       State = "LOCKED"
)

// NeutralTrustLevel is the baseline a fresh identity starts at and that
// trust decays toward on inactivity.
const NeutralTrustLevel = 50

// incidentLog is the slice of the incident pipeline the engine needs:
// recording its own findings and reading windowed counts back out.
// *incident.Log satisfies it.
type incidentLog interface {
	Record(ctx context.Context, inc incident.Incident) string
	CountSince(identity string, typ incident.Type, cutoff time.Time) int
	LastFor(identity string) time.Time
}

// identityState is everything the engine tracks for one identity.
type identityState struct {
	state          State
	trustLevel     int
	riskScore      int
	lastVerifiedAt time.Time
	lastActivity   time.Time
	lastRepair     time.Time
	lastDecay      time.Time

	fingerprint    string
	location       Location
	hasLocation    bool
	deviceMismatch bool

	samples *sampleRing
}

// Engine evaluates trust and risk for all identities in the session.
type Engine struct {
	mu         sync.Mutex
	identities map[string]*identityState
	incidents  incidentLog
	onReauth   func(ctx context.Context, identity, reason string)
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithReauthHook registers the callback invoked when a severe identity
// mismatch demands re-authentication. The lockdown controller wires
// itself in here.
func WithReauthHook(fn func(ctx context.Context, identity, reason string)) EngineOption {
	return func(e *Engine) { e.onReauth = fn }
}

// NewEngine creates a trust engine backed by the given incident log.
func NewEngine(incidents incidentLog, opts ...EngineOption) *Engine {
	e := &Engine{
		identities: make(map[string]*identityState),
		incidents:  incidents,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stateFor returns the identity's state, creating it at the neutral
// baseline on first observation. Caller holds mu.
func (e *Engine) stateFor(identity string) *identityState {
	st, ok := e.identities[identity]
	if !ok {
		st = &identityState{
			state:      StateUnverified,
			trustLevel: NeutralTrustLevel,
			samples:    newSampleRing(),
		}
		e.identities[identity] = st
	}
	return st
}

// ObserveSample appends a behavioral sample and scores it against the
// recent history of the same kind. Scores above the anomaly threshold
// are recorded as incidents.
func (e *Engine) ObserveSample(ctx context.Context, identity string, s Sample) {
	if s.At.IsZero() {
		s.At = e.now()
	}

	e.mu.Lock()
	st := e.stateFor(identity)
	if st.state == StateLocked {
		e.mu.Unlock()
		return
	}
	history := st.samples.lastOfKind(s.Kind, anomalyBaseline)
	st.samples.push(s)
	minuteCount := st.samples.countSince(s.Kind, s.At.Add(-time.Minute))
	st.lastActivity = s.At
	e.mu.Unlock()

	score := scoreSample(history, minuteCount, s)
	if score <= anomalyThreshold {
		return
	}

	log.Warn().
		Str("identity", identity).
		Str("kind", string(s.Kind)).
		Float64("score", score).
		Msg("Behavioral anomaly detected")

	e.incidents.Record(ctx, incident.Incident{
		Identity: identity,
		Type:     incident.TypeBehavioralAnomaly,
		Severity: incident.SeverityMedium,
		Details: map[string]string{
			"kind":  string(s.Kind),
			"score": fmt.Sprintf("%.0f", score),
		},
	})
}

// VerifyIdentity compares the current device fingerprint and coarse
// location against the last-known values. A fingerprint change forces
// re-authentication; a location jump past the distance threshold only
// elevates risk.
func (e *Engine) VerifyIdentity(ctx context.Context, identity, fingerprint string, loc Location) {
	e.mu.Lock()
	st := e.stateFor(identity)
	if st.state == StateLocked {
		e.mu.Unlock()
		return
	}

	firstSeen := st.fingerprint == ""
	fingerprintChanged := !firstSeen && fingerprint != st.fingerprint

	var jumpKM float64
	locationJumped := false
	if st.hasLocation {
		jumpKM = distanceKM(st.location, loc)
		locationJumped = jumpKM > maxLocationJumpKM
	}

	st.fingerprint = fingerprint
	st.location = loc
	st.hasLocation = true
	st.lastVerifiedAt = e.now()
	st.lastActivity = st.lastVerifiedAt

	switch {
	case fingerprintChanged:
		st.deviceMismatch = true
		st.state = StateElevatedRisk
	case locationJumped:
		st.state = StateElevatedRisk
	default:
		st.deviceMismatch = false
		if st.state == StateUnverified {
			st.state = StateNominal
		}
	}
	e.mu.Unlock()

	if fingerprintChanged {
		e.incidents.Record(ctx, incident.Incident{
			Identity: identity,
			Type:     incident.TypeDeviceMismatch,
			Severity: incident.SeverityHigh,
			Details:  map[string]string{"fingerprint": fingerprint},
		})
		if e.onReauth != nil {
			e.onReauth(ctx, identity, "device fingerprint changed")
		}
	}
	if locationJumped {
		e.incidents.Record(ctx, incident.Incident{
			Identity: identity,
			Type:     incident.TypeLocationAnomaly,
			Severity: incident.SeverityMedium,
			Details:  map[string]string{"distance_km": fmt.Sprintf("%.0f", jumpKM)},
		})
	}
}

// AggregateRisk recomputes the identity's risk score from current
// signals plus bounded recent-incident history, and applies trust
// repair/decay. The score is derived fresh each cycle, never
// accumulated.
func (e *Engine) AggregateRisk(ctx context.Context, identity string) int {
	now := e.now()
	anomalies := e.incidents.CountSince(identity, incident.TypeBehavioralAnomaly, now.Add(-5*time.Minute))
	recentIncidents := e.incidents.CountSince(identity, "", now.Add(-time.Hour))
	lastIncident := e.incidents.LastFor(identity)

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateFor(identity)
	if st.state == StateLocked {
		return st.riskScore
	}

	e.adjustTrustLocked(st, lastIncident, now)

	risk := 0.4 * float64(100-st.trustLevel)
	risk += 10 * float64(anomalies)
	risk += 15 * float64(recentIncidents)
	if st.deviceMismatch {
		risk += 25
	}
	if offHours(now) {
		risk += 10
	}
	st.riskScore = int(math.Min(100, math.Max(0, risk)))

	if st.riskScore >= 70 {
		st.state = StateElevatedRisk
	} else if st.state == StateElevatedRisk && st.riskScore < 40 {
		st.state = StateNominal
	}

	log.Debug().
		Str("identity", identity).
		Int("risk", st.riskScore).
		Int("trust", st.trustLevel).
		Str("state", string(st.state)).
		Msg("Risk aggregated")
	return st.riskScore
}

// adjustTrustLocked applies repair and decay. Trust rises by one per
// day of incident-free activity and decays one step toward the neutral
// baseline per day of inactivity. Both directions are throttled to one
// step per day regardless of how often evaluation cycles run. Caller
// holds mu.
func (e *Engine) adjustTrustLocked(st *identityState, lastIncident time.Time, now time.Time) {
	const day = 24 * time.Hour

	inactive := st.lastActivity.IsZero() || now.Sub(st.lastActivity) > day
	if inactive {
		if !st.lastDecay.IsZero() && now.Sub(st.lastDecay) < day {
			return
		}
		if st.trustLevel > NeutralTrustLevel {
			st.trustLevel--
		} else if st.trustLevel < NeutralTrustLevel {
			st.trustLevel++
		}
		st.lastDecay = now
		return
	}

	incidentFree := lastIncident.IsZero() || now.Sub(lastIncident) > day
	if incidentFree && (st.lastRepair.IsZero() || now.Sub(st.lastRepair) >= day) {
		if st.trustLevel < 100 {
			st.trustLevel++
		}
		st.lastRepair = now
	}
}

// RiskScore returns the identity's last aggregated risk score.
func (e *Engine) RiskScore(identity string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateFor(identity).riskScore
}

// TrustLevel returns the identity's current trust level.
func (e *Engine) TrustLevel(identity string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateFor(identity).trustLevel
}

// StateOf returns the identity's trust state.
func (e *Engine) StateOf(identity string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateFor(identity).state
}

// Identities lists every identity the engine has observed.
func (e *Engine) Identities() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.identities))
	for id := range e.identities {
		out = append(out, id)
	}
	return out
}

// Lock transitions the identity to LOCKED. Only a reset releases it.
func (e *Engine) Lock(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFor(identity).state = StateLocked
}

// Reset clears all in-memory state for the identity back to the
// neutral baseline. Used on emergency lockdown; trust state is reset,
// never deleted.
func (e *Engine) Reset(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities[identity] = &identityState{
		state:      StateUnverified,
		trustLevel: NeutralTrustLevel,
		samples:    newSampleRing(),
	}
}

// offHours reports whether t falls outside typical working hours.
func offHours(t time.Time) bool {
	h := t.Hour()
	return h < 6 || h >= 22
}
