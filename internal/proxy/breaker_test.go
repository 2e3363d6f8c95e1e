package proxy

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/config"
)

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		ErrorThreshold:  3,
		TimeWindow:      time.Minute,
		RecoveryTimeout: 50 * time.Millisecond,
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	for i := 0; i < 2; i++ {
		b.RecordFailure(1, "m")
		if !b.Allow(1, "m") {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure(1, "m")
	if b.Allow(1, "m") {
		t.Error("breaker should be open after reaching the threshold")
	}
	if b.State(1) != stateOpen {
		t.Errorf("state = %v, want open", b.State(1))
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	b.RecordFailure(1, "m")
	b.RecordFailure(1, "m")
	b.RecordSuccess(1, "m")
	b.RecordFailure(1, "m")
	b.RecordFailure(1, "m")

	if !b.Allow(1, "m") {
		t.Error("counter should have reset on success")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(1, "m")
	}
	if b.Allow(1, "m") {
		t.Fatal("expected open breaker")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow(1, "m") {
		t.Fatal("expected half-open probe after recovery timeout")
	}
	// Only one probe at a time.
	if b.Allow(1, "m") {
		t.Error("second request should be rejected while the probe is in flight")
	}

	b.RecordSuccess(1, "m")
	if b.State(1) != stateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State(1))
	}
	if !b.Allow(1, "m") {
		t.Error("breaker should pass traffic after recovery")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(1, "m")
	}
	time.Sleep(60 * time.Millisecond)

	if !b.Allow(1, "m") {
		t.Fatal("expected probe")
	}
	b.RecordFailure(1, "m")

	if b.State(1) != stateOpen {
		t.Errorf("state after failed probe = %v, want open", b.State(1))
	}
	if b.Allow(1, "m") {
		t.Error("breaker should reject immediately after a failed probe")
	}
}

func TestBreaker_ConfigsAreIndependent(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(1, "broken")
	}
	if b.Allow(1, "broken") {
		t.Error("config 1 should be open")
	}
	if !b.Allow(2, "healthy") {
		t.Error("config 2 must be unaffected")
	}
}

func TestBreaker_NotifiesTransitions(t *testing.T) {
	var transitions []int64
	b := NewBreaker(testBreakerConfig(), func(name string, state int64) {
		if name != "m" {
			t.Errorf("notified name = %q", name)
		}
		transitions = append(transitions, state)
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure(1, "m")
	}
	b.RecordSuccess(1, "m")

	want := []int64{int64(stateOpen), int64(stateClosed)}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %d, want %d", i, transitions[i], want[i])
		}
	}
}
