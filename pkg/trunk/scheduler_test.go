package trunk

import (
	"testing"
	"time"

	"github.com/nradius/trunk/pkg/trunkreq"
)

func TestSchedulerOrdersStatusCheckFirst(t *testing.T) {
	s := NewScheduler()
	now := time.Unix(0, 0)

	ordinary := trunkreq.New(1, nil, 100, now)
	probe := trunkreq.New(12, nil, 0, now.Add(time.Second))
	probe.StatusCheck = true

	s.Enqueue(ordinary)
	s.Enqueue(probe)

	got, ok := s.PopFor(now)
	if !ok || got != probe {
		t.Fatalf("PopFor returned %v, want the status-check request", got)
	}
}

func TestSchedulerOrdersByPriorityThenRecvTime(t *testing.T) {
	s := NewScheduler()
	now := time.Unix(0, 0)

	low := trunkreq.New(1, nil, 1, now)
	highLater := trunkreq.New(1, nil, 5, now.Add(time.Second))
	highEarlier := trunkreq.New(1, nil, 5, now)

	s.Enqueue(low)
	s.Enqueue(highLater)
	s.Enqueue(highEarlier)

	first, _ := s.PopFor(now)
	if first != highEarlier {
		t.Fatalf("first pop = %v, want highEarlier (same priority, earlier recv time)", first)
	}
	second, _ := s.PopFor(now)
	if second != highLater {
		t.Fatalf("second pop = %v, want highLater", second)
	}
	third, _ := s.PopFor(now)
	if third != low {
		t.Fatalf("third pop = %v, want low", third)
	}
}

func TestSchedulerSkipsCancelledRequests(t *testing.T) {
	s := NewScheduler()
	now := time.Unix(0, 0)

	cancelled := trunkreq.New(1, nil, 10, now)
	cancelled.Signal(trunkreq.SignalCancel)
	survivor := trunkreq.New(1, nil, 1, now)

	s.Enqueue(cancelled)
	s.Enqueue(survivor)

	got, ok := s.PopFor(now)
	if !ok || got != survivor {
		t.Fatalf("PopFor returned %v, want survivor (cancelled request should be skipped)", got)
	}

	select {
	case <-cancelled.Done():
	default:
		t.Fatal("cancelled request's future was not resolved")
	}
}
