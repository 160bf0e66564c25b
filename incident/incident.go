// Package incident implements the append-only security incident log.
// Incidents are the single data pipeline shared by error handling and
// risk scoring: every component records findings here, and the trust
// engine reads windowed counts back out during risk aggregation.
package incident

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies what kind of security finding an incident records.
type Type string

const (
	TypeDecryptionFailure  Type = "decryption_failure"
	TypeIntegrityViolation Type = "integrity_violation"
	TypeReplayExpired      Type = "replay_expired"
	TypeBehavioralAnomaly  Type = "behavioral_anomaly"
	TypeDeviceMismatch     Type = "device_mismatch"
	TypeLocationAnomaly    Type = "location_anomaly"
	TypeAuthFailure        Type = "auth_failure"
	TypeForcedReauth       Type = "forced_reauth"
	TypeEmergencyLockdown  Type = "emergency_lockdown"
	TypeKeyRecovery        Type = "key_recovery"
)

// Severity classifies how serious an incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is a single append-only security finding.
type Incident struct {
	ID       string            `json:"id"`
	Identity string            `json:"identity"`
	Type     Type              `json:"type"`
	Severity Severity          `json:"severity"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Recorder is the write side of the incident pipeline. Components that
// only need to report findings depend on this instead of the full log.
type Recorder interface {
	Record(ctx context.Context, inc Incident) string
}

// Sink receives a copy of every recorded incident, e.g. for persistence.
// Sink failures are logged and never block the recording path.
type Sink interface {
	Store(ctx context.Context, inc Incident) error
}

// Log is the in-memory append-only incident log. Entries are retained in
// a bounded window; older entries age out since only recent incidents
// feed risk aggregation.
type Log struct {
	mu        sync.RWMutex
	entries   []Incident
	maxAge    time.Duration
	maxCount  int
	sink      Sink
	onRecord  func(Incident)
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithSink attaches a persistence sink for recorded incidents.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithOnRecord registers a callback invoked after each recorded incident.
// The lockdown controller uses this to react to critical findings.
func WithOnRecord(fn func(Incident)) Option {
	return func(l *Log) { l.onRecord = fn }
}

// NewLog creates an incident log retaining at most 24h / 10000 entries.
func NewLog(opts ...Option) *Log {
	l := &Log{
		maxAge:   24 * time.Hour,
		maxCount: 10000,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an incident and returns its id. The id is safe to show
// to end users; the details are not.
func (l *Log) Record(ctx context.Context, inc Incident) string {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.At.IsZero() {
		inc.At = l.now()
	}
	if inc.Severity == "" {
		inc.Severity = SeverityMedium
	}

	l.mu.Lock()
	l.entries = append(l.entries, inc)
	l.pruneLocked()
	l.mu.Unlock()

	log.Warn().
		Str("incident_id", inc.ID).
		Str("type", string(inc.Type)).
		Str("severity", string(inc.Severity)).
		Msg("Security incident recorded")

	if l.sink != nil {
		if err := l.sink.Store(ctx, inc); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("Failed to persist incident")
		}
	}
	if l.onRecord != nil {
		l.onRecord(inc)
	}
	return inc.ID
}

// CountSince returns how many incidents for the identity were recorded
// after the cutoff. An empty type matches all incident types.
func (l *Log) CountSince(identity string, typ Type, cutoff time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, inc := range l.entries {
		if inc.Identity != identity {
			continue
		}
		if typ != "" && inc.Type != typ {
			continue
		}
		if inc.At.After(cutoff) {
			n++
		}
	}
	return n
}

// LastFor returns the timestamp of the most recent incident for the
// identity, or the zero time when none exists.
func (l *Log) LastFor(identity string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var last time.Time
	for _, inc := range l.entries {
		if inc.Identity == identity && inc.At.After(last) {
			last = inc.At
		}
	}
	return last
}

// Recent returns up to limit incidents for the identity, newest first.
func (l *Log) Recent(identity string, limit int) []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Incident
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].Identity == identity {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// pruneLocked drops entries past the retention window. Caller holds mu.
func (l *Log) pruneLocked() {
	cutoff := l.now().Add(-l.maxAge)
	first := 0
	for first < len(l.entries) && l.entries[first].At.Before(cutoff) {
		first++
	}
	if first > 0 {
		l.entries = append([]Incident(nil), l.entries[first:]...)
	}
	if len(l.entries) > l.maxCount {
		l.entries = append([]Incident(nil), l.entries[len(l.entries)-l.maxCount:]...)
	}
}
