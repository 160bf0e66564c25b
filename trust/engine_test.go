package trust

import (
	"context"
	"testing"
	"time"

	"github.com/trustfabric/sentra/authn"
	"github.com/trustfabric/sentra/incident"
)

func TestEngineStartsAtNeutral(t *testing.T) {
	e := NewEngine(incident.NewLog())
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel {
		t.Errorf("fresh trust level = %d, want %d", lvl, NeutralTrustLevel)
	}
	if st := e.StateOf("alice"); st != StateUnverified {
		t.Errorf("fresh state = %s, want %s", st, StateUnverified)
	}
}

// Sixty API calls inside one minute must push the aggregated risk high
// enough that the required factor set includes totp.
func TestAPIBurstEscalatesToTOTP(t *testing.T) {
	ctx := context.Background()
	log := incident.NewLog()
	e := NewEngine(log)

	base := time.Now().Add(-30 * time.Second)
	for i := 0; i < 60; i++ {
		e.ObserveSample(ctx, "alice", Sample{
			Kind: KindAPICall,
			At:   base.Add(time.Duration(i) * 500 * time.Millisecond),
		})
	}

	if n := log.CountSince("alice", incident.TypeBehavioralAnomaly, base.Add(-time.Minute)); n == 0 {
		t.Fatal("API burst recorded no behavioral_anomaly incidents")
	}

	risk := e.AggregateRisk(ctx, "alice")
	if risk < 95 {
		t.Fatalf("risk after API burst = %d, want >= 95", risk)
	}

	required := authn.DefaultThresholds().RequiredFactors(risk)
	hasTOTP := false
	for _, f := range required {
		if f == authn.FactorTOTP {
			hasTOTP = true
		}
	}
	if !hasTOTP {
		t.Errorf("required factors %v do not include totp at risk %d", required, risk)
	}
}

func TestDeviceMismatchForcesReauth(t *testing.T) {
	ctx := context.Background()
	log := incident.NewLog()

	var reauthReason string
	e := NewEngine(log, WithReauthHook(func(ctx context.Context, identity, reason string) {
		reauthReason = reason
	}))

	home := Location{Latitude: 40.71, Longitude: -74.0}
	e.VerifyIdentity(ctx, "alice", "fp-original", home)
	if st := e.StateOf("alice"); st != StateNominal {
		t.Fatalf("state after first verification = %s, want %s", st, StateNominal)
	}

	e.VerifyIdentity(ctx, "alice", "fp-changed", home)
	if st := e.StateOf("alice"); st != StateElevatedRisk {
		t.Errorf("state after fingerprint change = %s, want %s", st, StateElevatedRisk)
	}
	if reauthReason == "" {
		t.Error("fingerprint change did not trigger re-authentication")
	}
	if n := log.CountSince("alice", incident.TypeDeviceMismatch, time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("device_mismatch incidents = %d, want 1", n)
	}

	// The mismatch term must show up in aggregation.
	risk := e.AggregateRisk(ctx, "alice")
	if risk < 25 {
		t.Errorf("risk with device mismatch = %d, want >= 25", risk)
	}
}

func TestLocationJumpElevatesWithoutReauth(t *testing.T) {
	ctx := context.Background()
	log := incident.NewLog()

	reauthCalled := false
	e := NewEngine(log, WithReauthHook(func(ctx context.Context, identity, reason string) {
		reauthCalled = true
	}))

	newYork := Location{Latitude: 40.71, Longitude: -74.0}
	london := Location{Latitude: 51.51, Longitude: -0.13}

	e.VerifyIdentity(ctx, "alice", "fp", newYork)
	e.VerifyIdentity(ctx, "alice", "fp", london)

	if st := e.StateOf("alice"); st != StateElevatedRisk {
		t.Errorf("state after location jump = %s, want %s", st, StateElevatedRisk)
	}
	if reauthCalled {
		t.Error("location jump alone must not force re-authentication")
	}
	if n := log.CountSince("alice", incident.TypeLocationAnomaly, time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("location_anomaly incidents = %d, want 1", n)
	}
}

func TestShortMoveIsNotAnAnomaly(t *testing.T) {
	ctx := context.Background()
	log := incident.NewLog()
	e := NewEngine(log)

	manhattan := Location{Latitude: 40.78, Longitude: -73.97}
	brooklyn := Location{Latitude: 40.65, Longitude: -73.95}

	e.VerifyIdentity(ctx, "alice", "fp", manhattan)
	e.VerifyIdentity(ctx, "alice", "fp", brooklyn)

	if st := e.StateOf("alice"); st != StateNominal {
		t.Errorf("state after short move = %s, want %s", st, StateNominal)
	}
	if n := log.CountSince("alice", incident.TypeLocationAnomaly, time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("location_anomaly incidents = %d, want 0", n)
	}
}

func TestTrustRepairAndDecay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(incident.NewLog(), WithEngineClock(func() time.Time { return now }))

	e.ObserveSample(ctx, "alice", Sample{Kind: KindNavigation, At: now})

	// Incident-free activity earns one point per day.
	e.AggregateRisk(ctx, "alice")
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel+1 {
		t.Fatalf("trust after repair = %d, want %d", lvl, NeutralTrustLevel+1)
	}

	// A second cycle the same day earns nothing.
	e.AggregateRisk(ctx, "alice")
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel+1 {
		t.Fatalf("trust after same-day cycle = %d, want %d", lvl, NeutralTrustLevel+1)
	}

	// After two days of inactivity trust decays back toward neutral.
	now = now.Add(48 * time.Hour)
	e.AggregateRisk(ctx, "alice")
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel {
		t.Errorf("trust after inactivity = %d, want %d", lvl, NeutralTrustLevel)
	}
}

// Decay must move one point per idle day, not one point per evaluation
// cycle: fast-ticking scans over an idle identity may only take a
// single step until another day has passed.
func TestDecayThrottledToOnePointPerDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(incident.NewLog(), WithEngineClock(func() time.Time { return now }))

	// Earn five points over five days of incident-free activity.
	for i := 0; i < 5; i++ {
		e.ObserveSample(ctx, "alice", Sample{Kind: KindNavigation, At: now})
		e.AggregateRisk(ctx, "alice")
		now = now.Add(24 * time.Hour)
	}
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel+5 {
		t.Fatalf("trust after five active days = %d, want %d", lvl, NeutralTrustLevel+5)
	}

	// Go idle for a day, then run many short cycles.
	now = now.Add(time.Hour)
	for i := 0; i < 5; i++ {
		e.AggregateRisk(ctx, "alice")
		now = now.Add(10 * time.Second)
	}
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel+4 {
		t.Fatalf("trust after one idle day of fast cycles = %d, want %d", lvl, NeutralTrustLevel+4)
	}

	// A second idle day takes exactly one more step.
	now = now.Add(24 * time.Hour)
	for i := 0; i < 5; i++ {
		e.AggregateRisk(ctx, "alice")
		now = now.Add(10 * time.Second)
	}
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel+3 {
		t.Errorf("trust after two idle days = %d, want %d", lvl, NeutralTrustLevel+3)
	}
}

func TestLockAndReset(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(incident.NewLog())

	e.VerifyIdentity(ctx, "alice", "fp", Location{})
	e.Lock("alice")
	if st := e.StateOf("alice"); st != StateLocked {
		t.Fatalf("state after Lock = %s, want %s", st, StateLocked)
	}

	// Locked identities ignore new signals.
	e.ObserveSample(ctx, "alice", Sample{Kind: KindNavigation, At: time.Now()})
	e.VerifyIdentity(ctx, "alice", "fp-other", Location{})
	if st := e.StateOf("alice"); st != StateLocked {
		t.Errorf("locked identity changed state to %s", st)
	}

	e.Reset("alice")
	if st := e.StateOf("alice"); st != StateUnverified {
		t.Errorf("state after Reset = %s, want %s", st, StateUnverified)
	}
	if lvl := e.TrustLevel("alice"); lvl != NeutralTrustLevel {
		t.Errorf("trust after Reset = %d, want %d", lvl, NeutralTrustLevel)
	}
}

func TestDistanceKM(t *testing.T) {
	newYork := Location{Latitude: 40.71, Longitude: -74.0}
	london := Location{Latitude: 51.51, Longitude: -0.13}

	d := distanceKM(newYork, london)
	if d < 5400 || d > 5700 {
		t.Errorf("NYC-London distance = %.0f km, want ~5570", d)
	}
	if d := distanceKM(newYork, newYork); d != 0 {
		t.Errorf("zero distance = %v, want 0", d)
	}
}
