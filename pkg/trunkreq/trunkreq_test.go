package trunkreq

import (
	"testing"
	"time"
)

func TestResolveIsIdempotent(t *testing.T) {
	r := New(1, nil, 0, time.Now())
	r.Resolve(Outcome{Err: nil})
	r.Resolve(Outcome{Err: errTest}) // must be ignored

	select {
	case <-r.Done():
	default:
		t.Fatal("Done channel not closed after Resolve")
	}
	if r.Result().Err != nil {
		t.Fatalf("Result().Err = %v, want nil from the first Resolve", r.Result().Err)
	}
}

func TestSignalCancelWinsOverDup(t *testing.T) {
	r := New(1, nil, 0, time.Now())
	r.Signal(SignalDup)
	r.Signal(SignalCancel)

	sig, ok := r.TakeSignal()
	if !ok {
		t.Fatal("TakeSignal returned nothing")
	}
	if sig != SignalCancel {
		t.Fatalf("signal = %v, want SignalCancel", sig)
	}
	if _, ok := r.TakeSignal(); ok {
		t.Fatal("TakeSignal returned a second signal")
	}
}

func TestReassignClearsTransmissionState(t *testing.T) {
	r := New(1, nil, 0, time.Now())
	r.Encoded = []byte{1, 2, 3}
	r.PartialOffset = 2
	r.HasID = true
	r.AssignedID = 9

	r.Reassign()

	if r.Encoded != nil || r.PartialOffset != 0 || r.HasID || r.AssignedID != 0 {
		t.Fatalf("Reassign left stale state: %+v", r)
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }
