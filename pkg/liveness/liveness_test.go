package liveness

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nradius/trunk/pkg/trunkconn"
)

func newSupervisor(numAnswers int) *Supervisor {
	return New(Config{Code: 12, NumAnswersToAlive: numAnswers}, zerolog.Nop())
}

func TestRequiredSuccessesConnectingCleanHistory(t *testing.T) {
	s := newSupervisor(3)
	lastSuccess := time.Unix(100, 0)
	lastFailure := time.Time{} // never failed

	if got := s.RequiredSuccesses(trunkconn.Connecting, lastSuccess, lastFailure); got != 1 {
		t.Fatalf("RequiredSuccesses = %d, want 1", got)
	}
}

func TestRequiredSuccessesConnectingAfterRecentFailure(t *testing.T) {
	s := newSupervisor(3)
	lastSuccess := time.Unix(100, 0)
	lastFailure := time.Unix(200, 0) // postdates last success

	if got := s.RequiredSuccesses(trunkconn.Connecting, lastSuccess, lastFailure); got != 3 {
		t.Fatalf("RequiredSuccesses = %d, want 3 (flapping history)", got)
	}
}

func TestRequiredSuccessesFromZombie(t *testing.T) {
	s := newSupervisor(3)
	if got := s.RequiredSuccesses(trunkconn.Zombie, time.Time{}, time.Time{}); got != 3 {
		t.Fatalf("RequiredSuccesses = %d, want 3", got)
	}
}

func TestTrackerResetsOnFailure(t *testing.T) {
	var tr Tracker
	if tr.OnProbeSuccess(3) {
		t.Fatal("became alive after one success out of three required")
	}
	if tr.OnProbeSuccess(3) {
		t.Fatal("became alive after two successes out of three required")
	}
	tr.OnProbeFailure()
	if tr.Consecutive() != 0 {
		t.Fatalf("Consecutive = %d, want 0 after failure", tr.Consecutive())
	}
	if tr.OnProbeSuccess(3) {
		t.Fatal("became alive after only one success following a reset")
	}
}
