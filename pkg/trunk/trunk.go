// Package trunk implements the public outbound RADIUS client API: a
// Scheduler backlog (scheduler.go) and the Trunk that owns a set of
// connections, drives their event loop, and exposes Enqueue/Signal/Shutdown
// to callers. The event loop is a single goroutine processing a command
// channel, the idiomatic-Go rendering of the single-threaded cooperative
// model in spec — grounded on the actor-style eventLoopChannel in the
// RadiusClientSocket reference implementation and on the teacher's
// pkg/nspkt.Listener goroutine-owned state.
package trunk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/liveness"
	"github.com/nradius/trunk/pkg/trunkconn"
	"github.com/nradius/trunk/pkg/trunkreq"
)

// Errors returned synchronously from Enqueue (§4.H).
var (
	ErrNoCapacity             = errors.New("trunk: no capacity available")
	ErrDestinationUnavailable = errors.New("trunk: no connection to the destination is currently usable")
	ErrFail                   = errors.New("trunk: request failed")
	ErrCancelled              = errors.New("trunk: cancelled")
	ErrShutdown               = errors.New("trunk: shut down")
)

// Metrics is the counters collaborator; pkg/trunkmetrics.Metrics satisfies
// it. Defined here (rather than imported) so trunk has no dependency on
// VictoriaMetrics/metrics — only the demo binary wires a concrete Metrics
// in.
type Metrics interface {
	IncTx(code byte)
	IncRx(code byte)
	IncRetry()
	IncZombieTransition()
	IncDeadTransition()
}

type noopMetrics struct{}

func (noopMetrics) IncTx(byte)           {}
func (noopMetrics) IncRx(byte)           {}
func (noopMetrics) IncRetry()            {}
func (noopMetrics) IncZombieTransition() {}
func (noopMetrics) IncDeadTransition()   {}

// Options configures one Enqueue call.
type Options struct {
	Priority                    int
	RequireMessageAuthenticator bool
	Proxied                     bool
	ProxyStateCookie            []byte
}

// Future resolves once the request enqueued alongside it completes,
// fails permanently, or is cancelled.
type Future struct {
	req *trunkreq.Request
}

// Wait blocks until the request resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (trunkreq.Outcome, error) {
	select {
	case <-f.req.Done():
		return f.req.Result(), nil
	case <-ctx.Done():
		return trunkreq.Outcome{}, ctx.Err()
	}
}

// Handle identifies an in-flight request for Signal.
type Handle struct {
	req *trunkreq.Request
}

// Handle returns the Handle used to Signal this request.
func (f *Future) Handle() Handle { return Handle{req: f.req} }

// connEntry is one connection managed by the event loop, plus its liveness
// bookkeeping.
type connEntry struct {
	conn     *trunkconn.Conn
	sup      *liveness.Supervisor
	tracker  liveness.Tracker
	probe    *trunkreq.Request // the one outstanding status-check, if any
	writable chan struct{}
	readable chan struct{}
}

// Trunk owns a set of connections to one logical destination (a home
// server pair or pool) and the backlog of requests waiting for one of
// them.
type Trunk struct {
	log     zerolog.Logger
	bridge  *codec.Bridge
	metrics Metrics
	sched   *Scheduler

	cmds    chan func(*Trunk)
	closed  chan struct{}
	conns   []*connEntry
}

// New constructs a Trunk with no connections yet; call AddConn to attach
// transport. The event loop goroutine is started immediately.
func New(bridge *codec.Bridge, metrics Metrics, log zerolog.Logger) *Trunk {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	t := &Trunk{
		log:     log.With().Str("component", "trunk").Logger(),
		bridge:  bridge,
		metrics: metrics,
		sched:   NewScheduler(),
		cmds:    make(chan func(*Trunk), 64),
		closed:  make(chan struct{}),
	}
	go t.loop()
	return t
}

// AddConn attaches a connection (already constructed around its Socket)
// with an optional liveness Supervisor (nil disables active probing for
// that connection).
func (t *Trunk) AddConn(conn *trunkconn.Conn, sup *liveness.Supervisor) {
	done := make(chan struct{})
	t.cmds <- func(tr *Trunk) {
		// With no active probing configured, there is no other signal that
		// will ever confirm the connection is reachable, so it goes
		// straight to Active per spec's "no status checks" fallback.
		// Probed connections stay in Connecting until driveProbe/
		// handleProbeReply earn their way to Active.
		if sup == nil || !sup.Enabled() {
			conn.MarkConnected(time.Now())
		}
		tr.conns = append(tr.conns, &connEntry{
			conn:     conn,
			sup:      sup,
			writable: make(chan struct{}, 1),
			readable: make(chan struct{}, 1),
		})
		close(done)
	}
	<-done
}

// Enqueue admits a new request. It resolves synchronously with one of
// ErrNoCapacity, ErrDestinationUnavailable, or ErrFail if no connection can
// currently accept it; otherwise it returns a Future that resolves once
// the request completes. Status-Server is reserved for liveness probes: a
// caller's Status-Server request is not queued, and its Future is already
// resolved with OutcomeNoop.
func (t *Trunk) Enqueue(ctx context.Context, code byte, pairs []codec.Pair, opts Options) (*Future, error) {
	req := trunkreq.New(code, pairs, opts.Priority, time.Now())
	if code == codec.CodeStatusServer {
		req.Resolve(trunkreq.Outcome{Result: codec.OutcomeNoop})
		return &Future{req: req}, nil
	}
	req.RequireMessageAuthenticator = opts.RequireMessageAuthenticator
	req.Proxied = opts.Proxied
	req.ProxyStateCookie = opts.ProxyStateCookie

	resultCh := make(chan error, 1)
	cmd := func(tr *Trunk) { resultCh <- tr.admit(req) }
	select {
	case t.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrShutdown
	}
	select {
	case err := <-resultCh:
		if err != nil {
			return nil, err
		}
		return &Future{req: req}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// admit runs on the event loop goroutine: it rejects a request the trunk
// plainly cannot place yet, or enqueues it to the backlog.
func (t *Trunk) admit(req *trunkreq.Request) error {
	if len(t.conns) == 0 {
		return ErrDestinationUnavailable
	}
	anyUsable := false
	for _, ce := range t.conns {
		if ce.conn.State() == trunkconn.Active || ce.conn.State() == trunkconn.Connecting {
			anyUsable = true
			break
		}
	}
	if !anyUsable {
		return ErrDestinationUnavailable
	}
	const maxBacklog = 4096
	if t.sched.Len() >= maxBacklog {
		return ErrNoCapacity
	}
	t.sched.Enqueue(req)
	return nil
}

// Signal delivers an asynchronous Cancel/Dup instruction to an in-flight
// request.
func (t *Trunk) Signal(h Handle, sig trunkreq.Signal) {
	h.req.Signal(sig)
}

// Shutdown drains all connections and resolves every unresolved future as
// Cancelled.
func (t *Trunk) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	t.cmds <- func(tr *Trunk) {
		for tr.sched.Len() > 0 {
			req, ok := tr.sched.PopFor(time.Now())
			if !ok {
				break
			}
			req.Resolve(trunkreq.Outcome{Err: ErrCancelled})
		}
		for _, ce := range tr.conns {
			ce.conn.Tracker().Each(func(id byte, owner any) {
				if req, ok := owner.(*trunkreq.Request); ok {
					req.Resolve(trunkreq.Outcome{Err: ErrCancelled})
				}
			})
			_ = ce.conn.Close()
		}
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(t.closed)
	return nil
}

// loop is the single event-loop goroutine: it owns every Scheduler and
// Conn mutation, so none of those types need their own locking.
func (t *Trunk) loop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-t.cmds:
			cmd(t)
		case now := <-ticker.C:
			t.tick(now)
		case <-t.closed:
			return
		}
	}
}

// tick drives writes, reads, retries, and zombie/dead transitions for
// every connection. A real implementation would instead wake precisely on
// each connection's readable/writable channel and retry deadline; a
// ticker is the simplest faithful rendering of "runs periodically" for a
// reference trunk and keeps the loop's single responsibility obvious.
func (t *Trunk) tick(now time.Time) {
	for _, ce := range t.conns {
		probing := ce.sup != nil && ce.sup.Enabled()
		prev := ce.conn.State()
		state := ce.conn.CheckZombie(now, probing)
		switch state {
		case trunkconn.Dead:
			if prev != trunkconn.Dead {
				t.metrics.IncDeadTransition()
				ce.conn.Tracker().Each(func(id byte, owner any) {
					if req, ok := owner.(*trunkreq.Request); ok && !req.StatusCheck {
						t.sched.Requeue(req)
					}
				})
			}
			ce.probe = nil
			continue
		case trunkconn.Zombie:
			if prev != trunkconn.Zombie {
				t.metrics.IncZombieTransition()
			}
		}

		tf := ce.conn.TickInFlight(now)
		for i := 0; i < tf.Retransmits; i++ {
			t.metrics.IncRetry()
		}
		for _, d := range tf.Done {
			t.resolveInFlightDone(ce, d)
		}

		events, err := ce.conn.Drain(now)
		if err != nil {
			t.log.Warn().Err(err).Msg("read failure")
		}
		for _, ev := range events {
			t.metrics.IncRx(ev.Reply.Code)
			if ev.Request.StatusCheck {
				t.handleProbeReply(ce, now, ev)
				continue
			}
			ev.Request.Resolve(trunkreq.Outcome{Result: ev.Outcome, Reply: ev.Reply})
		}

		if res, _ := ce.conn.PumpWrite(now); res == trunkconn.WritePartial {
			continue // still flushing; don't also start a new request this tick
		}

		t.driveProbe(ce, now)

		if res, _ := ce.conn.PumpWrite(now); res == trunkconn.WritePartial {
			continue // the probe write didn't finish; give it the next tick
		}

		if req, ok := t.sched.PopFor(now); ok {
			if sig, ok := req.TakeSignal(); ok && sig == trunkreq.SignalCancel {
				req.Resolve(trunkreq.Outcome{Err: ErrCancelled})
				continue
			}
			res, err := ce.conn.TryWrite(now, req)
			switch res {
			case trunkconn.WriteSent, trunkconn.WritePartial:
				t.metrics.IncTx(req.Code)
			case trunkconn.WriteWouldBlock:
				t.sched.Requeue(req)
			case trunkconn.WriteFatal:
				req.Resolve(trunkreq.Outcome{Err: err})
			}
		}
	}
}

// resolveInFlightDone finishes a request TickInFlight pulled out of a
// connection's tracker, either because it was cancelled or because its
// retry schedule was exhausted. Probes are never awaited by a caller, so
// they're routed into the liveness failure path instead of a Future.
func (t *Trunk) resolveInFlightDone(ce *connEntry, d trunkconn.InFlightDone) {
	if d.Request.StatusCheck {
		ce.probe = nil
		ce.tracker.OnProbeFailure()
		return
	}
	switch d.Outcome {
	case trunkconn.InFlightCancelled:
		d.Request.Resolve(trunkreq.Outcome{Err: ErrCancelled})
	case trunkconn.InFlightRetryExhausted:
		d.Request.Resolve(trunkreq.Outcome{Err: ErrFail})
	}
}

// driveProbe keeps exactly one status-check request in flight per connection
// that has active probing configured (§4.G). Probes bypass the public
// scheduler entirely — they are built directly from the supervisor's
// template and written straight to the connection.
func (t *Trunk) driveProbe(ce *connEntry, now time.Time) {
	if ce.sup == nil || !ce.sup.Enabled() || ce.probe != nil {
		return
	}
	probe := ce.sup.NewProbe(now)
	ce.probe = probe
	ce.conn.SetStatusCheck(probe)
	res, _ := ce.conn.TryWrite(now, probe)
	if res == trunkconn.WriteSent || res == trunkconn.WritePartial {
		t.metrics.IncTx(probe.Code)
	}
}

// handleProbeReply routes a decoded reply to the connection's outstanding
// probe into the liveness Tracker instead of resolving it as an ordinary
// request outcome, and drives the Connecting/Zombie->Active transition once
// the supervisor's required consecutive-success count is met.
func (t *Trunk) handleProbeReply(ce *connEntry, now time.Time, ev trunkconn.Event) {
	ce.probe = nil
	switch ev.Outcome {
	case codec.OutcomeOK, codec.OutcomeUpdated:
		required := ce.sup.RequiredSuccesses(ce.conn.State(), ce.conn.LastSuccess(), ce.conn.LastFailure())
		if ce.tracker.OnProbeSuccess(required) {
			ce.conn.MarkAliveFromProbe(now)
		}
	default:
		ce.tracker.OnProbeFailure()
	}
}
