package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRespawns(t *testing.T) {
	b := New(Config{
		MaxCrashes:     3,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
		ProbeSurvival:  time.Second,
	})

	if !b.Allow() {
		t.Fatal("closed breaker should allow respawns")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnCrashLoop(t *testing.T) {
	b := New(Config{
		MaxCrashes:     3,
		WindowDuration: 10 * time.Second,
		OpenDuration:   5 * time.Second,
		ProbeSurvival:  time.Second,
	})

	b.RecordCrash()
	b.RecordCrash()
	if b.State() != StateClosed {
		t.Fatalf("two crashes should not trip a 3-crash breaker, got %v", b.State())
	}

	if st := b.RecordCrash(); st != StateOpen {
		t.Fatalf("expected open after third crash, got %v", st)
	}
	if b.Allow() {
		t.Fatal("open breaker should reject respawns")
	}
}

func TestBreakerAllowsProbeAfterOpenDuration(t *testing.T) {
	b := New(Config{
		MaxCrashes:     1,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		ProbeSurvival:  time.Hour,
	})

	b.RecordCrash()
	if b.State() == StateClosed {
		t.Fatal("expected tripped breaker")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow one probe respawn after open duration")
	}
	if b.Allow() {
		t.Fatal("second respawn should wait for the probe's fate")
	}
}

func TestBreakerReopensOnProbeCrash(t *testing.T) {
	b := New(Config{
		MaxCrashes:     1,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		ProbeSurvival:  time.Hour,
	})

	b.RecordCrash()
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}

	if st := b.RecordCrash(); st != StateOpen {
		t.Fatalf("probe crash should reopen, got %v", st)
	}
	if b.Allow() {
		t.Fatal("reopened breaker should reject respawns")
	}
}

func TestBreakerClosesAfterSurvivingProbe(t *testing.T) {
	b := New(Config{
		MaxCrashes:     1,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Millisecond,
		ProbeSurvival:  10 * time.Millisecond,
	})

	b.RecordCrash()
	time.Sleep(20 * time.Millisecond)
	b.Allow() // probe goes out

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should close after the probe survived")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerWindowForgivesOldCrashes(t *testing.T) {
	b := New(Config{
		MaxCrashes:     2,
		WindowDuration: 10 * time.Millisecond,
		OpenDuration:   time.Hour,
		ProbeSurvival:  time.Second,
	})

	b.RecordCrash()
	time.Sleep(20 * time.Millisecond)
	// the first crash has slid out of the window; this one should not trip
	if st := b.RecordCrash(); st != StateClosed {
		t.Fatalf("expected closed, got %v", st)
	}
}
