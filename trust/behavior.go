package trust

import (
	"math"
	"time"
)

// SampleKind identifies which behavioral signal a sample carries.
type SampleKind string

const (
	KindClick      SampleKind = "click"
	KindNavigation SampleKind = "navigation"
	KindTyping     SampleKind = "typing"
	KindAPICall    SampleKind = "api_call"
)

// Sample is a single behavioral observation. Payload fields depend on
// the kind: clicks carry "x"/"y" coordinates, typing carries
// "interval_ms", navigation and API calls carry only their timestamp.
type Sample struct {
	Kind    SampleKind
	Payload map[string]float64
	At      time.Time
}

const ringCapacity = 1000

// sampleRing is a fixed-capacity ring of behavioral samples, oldest
// evicted first. Samples only ever leave by eviction.
type sampleRing struct {
	buf   []Sample
	start int
	count int
}

func newSampleRing() *sampleRing {
	return &sampleRing{buf: make([]Sample, ringCapacity)}
}

func (r *sampleRing) push(s Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// lastOfKind returns up to n most recent samples of the given kind,
// newest last.
func (r *sampleRing) lastOfKind(kind SampleKind, n int) []Sample {
	var out []Sample
	for i := r.count - 1; i >= 0 && len(out) < n; i-- {
		s := r.buf[(r.start+i)%len(r.buf)]
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// countSince counts samples of the kind observed after the cutoff.
func (r *sampleRing) countSince(kind SampleKind, cutoff time.Time) int {
	n := 0
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.start+i)%len(r.buf)]
		if s.Kind == kind && s.At.After(cutoff) {
			n++
		}
	}
	return n
}

// Per-kind anomaly heuristics. Each compares a new sample against the
// recent history of the same kind and returns a 0..100 score. Scores
// above anomalyThreshold are treated as incidents.
const (
	anomalyThreshold = 70
	anomalyBaseline  = 10 // history needed before scoring kicks in
)

// scoreSample scores a new sample against the last ten samples of the
// same kind, plus the count of same-kind samples in the trailing minute
// for rate-based kinds. History shorter than the baseline scores zero;
// there is nothing meaningful to compare against yet.
func scoreSample(history []Sample, minuteCount int, s Sample) float64 {
	switch s.Kind {
	case KindClick:
		return scoreClick(history, s)
	case KindAPICall:
		return scoreAPIRate(minuteCount)
	case KindTyping:
		return scoreTyping(history, s)
	case KindNavigation:
		return scoreRate(history, s)
	}
	return 0
}

// scoreClick flags clicks landing far outside the recent click cluster.
// Distance over 200 units from the mean position scores 80.
func scoreClick(history []Sample, s Sample) float64 {
	if len(history) < anomalyBaseline {
		return 0
	}
	var mx, my float64
	for _, h := range history {
		mx += h.Payload["x"]
		my += h.Payload["y"]
	}
	mx /= float64(len(history))
	my /= float64(len(history))

	dx := s.Payload["x"] - mx
	dy := s.Payload["y"] - my
	if math.Hypot(dx, dy) > 200 {
		return 80
	}
	return 0
}

// scoreAPIRate flags API bursts. More than 50 calls inside the trailing
// minute scores 95.
func scoreAPIRate(minuteCount int) float64 {
	if minuteCount > 50 {
		return 95
	}
	return 0
}

// scoreTyping compares keystroke-interval variance against the recent
// baseline. Variance collapsing below 10% of baseline indicates
// automation (85); variance exploding past 5x indicates a different
// operator (75).
func scoreTyping(history []Sample, s Sample) float64 {
	if len(history) < anomalyBaseline {
		return 0
	}
	baseline := intervalVariance(history)
	if baseline == 0 {
		return 0
	}
	window := make([]Sample, 0, len(history))
	window = append(window, history[1:]...)
	window = append(window, s)
	recent := intervalVariance(window)
	switch {
	case recent < 0.1*baseline:
		return 85
	case recent > 5*baseline:
		return 75
	}
	return 0
}

// scoreRate flags a navigation rate more than five times the typical
// spacing of recent samples.
func scoreRate(history []Sample, s Sample) float64 {
	if len(history) < anomalyBaseline {
		return 0
	}
	span := history[len(history)-1].At.Sub(history[0].At)
	if span <= 0 {
		return 0
	}
	typical := span / time.Duration(len(history)-1)
	gap := s.At.Sub(history[len(history)-1].At)
	if gap > 0 && typical > 5*gap {
		return 75
	}
	return 0
}

func intervalVariance(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var vals []float64
	var mean float64
	for _, s := range samples {
		v := s.Payload["interval_ms"]
		vals = append(vals, v)
		mean += v
	}
	mean /= float64(len(vals))

	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(vals))
}
