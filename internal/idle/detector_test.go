package idle

import (
	"testing"
	"time"

	"github.com/lapsed/lapsed/internal/testutils"
)

func newTestDetector(hysteresis int) *Detector {
	cfg := Config{Threshold: 300 * time.Second, PollInterval: 2 * time.Second, Hysteresis: hysteresis}
	return NewDetector(cfg, nil, nil, nil, nil, testutils.NewTestLogger())
}

func TestConfigClamping(t *testing.T) {
	d := NewDetector(Config{
		Threshold:    5 * time.Second,
		PollInterval: time.Minute,
		Hysteresis:   0,
	}, nil, nil, nil, nil, testutils.NewTestLogger())

	cfg := d.Config()
	if cfg.Threshold != MinThreshold {
		t.Errorf("threshold should clamp up to %v, got %v", MinThreshold, cfg.Threshold)
	}
	if cfg.PollInterval != MaxPollInterval {
		t.Errorf("poll interval should clamp down to %v, got %v", MaxPollInterval, cfg.PollInterval)
	}
	if cfg.Hysteresis != MinHysteresis {
		t.Errorf("hysteresis should clamp up to %d, got %d", MinHysteresis, cfg.Hysteresis)
	}
}

func TestSingleIdleSampleDoesNotFlip(t *testing.T) {
	d := newTestDetector(2)

	if tr := d.Tick(100, 310, false, ""); tr != nil {
		t.Fatalf("first idle sample flipped the state: %+v", tr)
	}
	// A lone noisy idle sample followed by activity must not enter Idle
	if tr := d.Tick(102, 1, false, ""); tr != nil {
		t.Fatalf("active sample after one idle sample flipped the state: %+v", tr)
	}
	if d.State() != StateActive {
		t.Errorf("expected Active, got %v", d.State())
	}
}

func TestEntersIdleAfterHysteresisSamples(t *testing.T) {
	d := newTestDetector(2)

	if tr := d.Tick(100, 310, false, ""); tr != nil {
		t.Fatalf("flipped one sample early: %+v", tr)
	}
	tr := d.Tick(102, 312, false, "")
	if tr == nil || tr.To != StateIdle {
		t.Fatalf("expected Idle transition on second consecutive sample, got %+v", tr)
	}
	if tr.At != 102 || tr.IdleSeconds != 312 {
		t.Errorf("transition should carry the flipping sample, got %+v", tr)
	}
	if d.State() != StateIdle {
		t.Errorf("expected Idle, got %v", d.State())
	}
}

func TestExitsIdleAfterHysteresisActiveSamples(t *testing.T) {
	d := newTestDetector(2)
	d.Tick(100, 310, false, "")
	d.Tick(102, 312, false, "")

	if tr := d.Tick(104, 0.5, false, ""); tr != nil {
		t.Fatalf("single active sample exited idle: %+v", tr)
	}
	tr := d.Tick(106, 1.0, false, "")
	if tr == nil || tr.To != StateActive {
		t.Fatalf("expected Active transition, got %+v", tr)
	}
}

func TestNoisySampleResetsCounter(t *testing.T) {
	d := newTestDetector(2)

	d.Tick(100, 310, false, "")
	d.Tick(102, 0.1, false, "") // stray input resets the idle streak
	d.Tick(104, 315, false, "")
	if tr := d.Tick(106, 317, false, ""); tr == nil || tr.To != StateIdle {
		t.Fatalf("expected the fresh streak to flip on its second sample, got %+v", tr)
	}
}

func TestSuppressionHoldsActiveAndForcesExit(t *testing.T) {
	d := newTestDetector(2)

	// Suppressed samples never count toward idleness, whatever the reading
	for i := 0; i < 5; i++ {
		if tr := d.Tick(int64(100+2*i), 900, true, "media_playing"); tr != nil {
			t.Fatalf("suppressed sample flipped to idle: %+v", tr)
		}
	}
	if d.State() != StateActive {
		t.Fatalf("expected Active under suppression, got %v", d.State())
	}

	// Enter idle, then suppression drives the exit
	d.Tick(200, 310, false, "")
	d.Tick(202, 312, false, "")
	if d.State() != StateIdle {
		t.Fatal("setup: should be idle")
	}
	d.Tick(204, 314, true, "app_allowlisted")
	tr := d.Tick(206, 316, true, "app_allowlisted")
	if tr == nil || tr.To != StateActive {
		t.Fatalf("expected suppression-forced exit, got %+v", tr)
	}
	if tr.SuppressReason != "app_allowlisted" {
		t.Errorf("expected suppress reason on the transition, got %q", tr.SuppressReason)
	}
	// The raw sample rides along uncorrected
	if tr.IdleSeconds != 316 {
		t.Errorf("expected raw idle seconds 316, got %v", tr.IdleSeconds)
	}
}

func TestHysteresisOneFlipsImmediately(t *testing.T) {
	d := newTestDetector(1)

	tr := d.Tick(100, 301, false, "")
	if tr == nil || tr.To != StateIdle {
		t.Fatalf("hysteresis 1 should flip on the first sample, got %+v", tr)
	}
	tr = d.Tick(102, 0, false, "")
	if tr == nil || tr.To != StateActive {
		t.Fatalf("hysteresis 1 should exit on the first active sample, got %+v", tr)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sampler := func() (float64, error) { return 0, nil }
	d := NewDetector(Config{
		Threshold:    300 * time.Second,
		PollInterval: time.Second,
		Hysteresis:   2,
	}, sampler, nil, nil, nil, testutils.NewTestLogger())

	d.Start()
	d.Start() // second start is a no-op

	// Force an idle state, then verify Stop resets it silently
	d.Tick(100, 310, false, "")
	d.Tick(102, 312, false, "")

	transitions := 0
	d.onTransition = func(Transition) { transitions++ }

	d.Stop()
	d.Stop() // second stop is a no-op

	if d.State() != StateActive {
		t.Errorf("stop should reset state to Active, got %v", d.State())
	}
	if transitions != 0 {
		t.Errorf("stop must not emit transitions, got %d", transitions)
	}
}
