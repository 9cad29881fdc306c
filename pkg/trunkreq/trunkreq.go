// Package trunkreq defines the request record threaded through a trunk's
// scheduler and connections for the lifetime of one outbound RADIUS
// transaction.
package trunkreq

import (
	"time"

	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/retry"
)

// Signal is an out-of-band instruction delivered to a Request already
// in-flight (§4.F).
type Signal int

const (
	// SignalCancel asks the trunk to stop retrying and resolve the
	// request's future as Cancelled at the next opportunity.
	SignalCancel Signal = iota
	// SignalDup asks the connection owning the request to retransmit it
	// immediately, outside its normal retry schedule.
	SignalDup
)

// Outcome is the terminal result delivered to a request's Future.
type Outcome struct {
	Result codec.Outcome
	Reply  codec.DecodeResult
	Err    error
}

// Request is one outbound RADIUS transaction: a code, a pre-rendered
// attribute list, and the mutable bookkeeping the connection needs to
// transmit and retransmit it without re-deriving anything from scratch.
type Request struct {
	Code                        byte
	Pairs                       []codec.Pair
	Priority                    int
	RecvTime                    time.Time
	RequireMessageAuthenticator bool
	Proxied                     bool
	ProxyStateCookie            []byte
	StatusCheck                 bool // true only for probes scheduled by pkg/liveness

	// Transmission state, valid only while assigned to a connection.
	Encoded       []byte // nil until first transmit; encoded exactly once
	PartialOffset int    // bytes of Encoded already written
	AssignedID    byte
	HasID         bool
	Authenticator [16]byte
	Retry         *retry.State

	done   chan struct{}
	result Outcome
	signal chan Signal
}

// New creates a Request ready for enqueue. recvTime should be the caller's
// clock reading at submission, used for scheduler FIFO ordering. The retry
// schedule starts at the time of first transmission, not at recvTime.
func New(code byte, pairs []codec.Pair, priority int, recvTime time.Time) *Request {
	return &Request{
		Code:     code,
		Pairs:    pairs,
		Priority: priority,
		RecvTime: recvTime,
		done:     make(chan struct{}),
		signal:   make(chan Signal, 1),
	}
}

// Reassign discards any connection-specific transmission state so the
// request can be handed to a different connection after the one it was
// assigned to is lost. It must be called at most once per connection loss.
func (r *Request) Reassign() {
	r.Encoded = nil
	r.PartialOffset = 0
	r.HasID = false
	r.AssignedID = 0
	r.Authenticator = [16]byte{}
	r.Retry = nil
}

// Signal delivers an asynchronous instruction to the request. Non-blocking:
// if a signal is already pending, the new one replaces it (Cancel always
// wins over a pending Dup).
func (r *Request) Signal(s Signal) {
	select {
	case pending := <-r.signal:
		if pending == SignalCancel {
			s = SignalCancel
		}
	default:
	}
	select {
	case r.signal <- s:
	default:
	}
}

// TakeSignal returns and clears any pending signal.
func (r *Request) TakeSignal() (Signal, bool) {
	select {
	case s := <-r.signal:
		return s, true
	default:
		return 0, false
	}
}

// Resolve completes the request's future exactly once. Later calls are
// no-ops, matching the "released on completion" lifecycle rule.
func (r *Request) Resolve(o Outcome) {
	select {
	case <-r.done:
		return // already resolved
	default:
	}
	r.result = o
	close(r.done)
}

// Done returns a channel closed once Resolve has been called.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the resolved outcome. Only valid after Done is closed.
func (r *Request) Result() Outcome { return r.result }
