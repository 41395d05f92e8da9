package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	if !b.Allow("chain") {
		t.Fatal("closed breaker should allow")
	}
	b.RecordFailure("chain")
	b.RecordFailure("chain")
	if b.State("chain") != StateClosed {
		t.Fatalf("expected closed below threshold, got %v", b.State("chain"))
	}
	b.RecordFailure("chain")
	if b.State("chain") != StateOpen {
		t.Fatalf("expected open at threshold, got %v", b.State("chain"))
	}
	if b.Allow("chain") {
		t.Fatal("open breaker should reject")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("chain")
	if b.Allow("chain") {
		t.Fatal("should reject while open")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow("chain") {
		t.Fatal("should allow one probe after open duration")
	}
	if b.State("chain") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("chain"))
	}
	if b.Allow("chain") {
		t.Fatal("should reject second request during probe")
	}

	b.RecordSuccess("chain")
	if b.State("chain") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("chain"))
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("chain")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("chain") {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure("chain")
	if b.State("chain") != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %v", b.State("chain"))
	}
}

func TestBreakerKeysIndependent(t *testing.T) {
	b := New(1, time.Hour)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("key a should be open")
	}
	if !b.Allow("b") {
		t.Fatal("key b should be unaffected")
	}
}
