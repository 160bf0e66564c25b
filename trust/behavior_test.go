package trust

import (
	"testing"
	"time"
)

func clickAt(x, y float64, at time.Time) Sample {
	return Sample{Kind: KindClick, Payload: map[string]float64{"x": x, "y": y}, At: at}
}

func typingWith(interval float64, at time.Time) Sample {
	return Sample{Kind: KindTyping, Payload: map[string]float64{"interval_ms": interval}, At: at}
}

func TestSampleRingEviction(t *testing.T) {
	r := newSampleRing()
	base := time.Now()
	for i := 0; i < ringCapacity+50; i++ {
		r.push(Sample{Kind: KindNavigation, At: base.Add(time.Duration(i) * time.Second)})
	}
	if r.count != ringCapacity {
		t.Fatalf("ring count = %d, want %d", r.count, ringCapacity)
	}

	// Oldest 50 must be gone.
	got := r.lastOfKind(KindNavigation, ringCapacity)
	if !got[0].At.Equal(base.Add(50 * time.Second)) {
		t.Errorf("oldest surviving sample at %v, want %v", got[0].At, base.Add(50*time.Second))
	}
}

func TestScoreClickOutlier(t *testing.T) {
	base := time.Now()
	var history []Sample
	for i := 0; i < 10; i++ {
		history = append(history, clickAt(100, 100, base))
	}

	if got := scoreSample(history, 0, clickAt(500, 500, base)); got != 80 {
		t.Errorf("distant click score = %v, want 80", got)
	}
	if got := scoreSample(history, 0, clickAt(150, 150, base)); got != 0 {
		t.Errorf("nearby click score = %v, want 0", got)
	}
}

func TestScoreClickNeedsBaseline(t *testing.T) {
	history := []Sample{clickAt(100, 100, time.Now())}
	if got := scoreSample(history, 0, clickAt(900, 900, time.Now())); got != 0 {
		t.Errorf("score with thin history = %v, want 0", got)
	}
}

func TestScoreAPIRate(t *testing.T) {
	if got := scoreAPIRate(51); got != 95 {
		t.Errorf("scoreAPIRate(51) = %v, want 95", got)
	}
	if got := scoreAPIRate(50); got != 0 {
		t.Errorf("scoreAPIRate(50) = %v, want 0", got)
	}
}

func TestScoreTypingAutomation(t *testing.T) {
	base := time.Now()
	// One outlier keeps baseline variance high; once it ages out of the
	// window the variance collapses, which reads as automation.
	history := []Sample{typingWith(1000, base)}
	for i := 0; i < 9; i++ {
		history = append(history, typingWith(0, base))
	}

	if got := scoreSample(history, 0, typingWith(0, base)); got != 85 {
		t.Errorf("collapsed-variance typing score = %v, want 85", got)
	}
}

func TestScoreTypingDifferentOperator(t *testing.T) {
	base := time.Now()
	var history []Sample
	for i := 0; i < 10; i++ {
		// Alternate 90/110ms, modest variance.
		history = append(history, typingWith(100+float64(i%2)*20-10, base))
	}

	if got := scoreSample(history, 0, typingWith(2000, base)); got != 75 {
		t.Errorf("exploded-variance typing score = %v, want 75", got)
	}
}
