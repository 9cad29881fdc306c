// Package trunkconn implements one outbound RADIUS connection: its socket,
// receive buffer, ID tracker, and liveness state machine. It mirrors the
// teacher's pkg/nspkt.Listener in spirit — a goroutine-owned mutable struct
// driven by an event loop, never touched from another goroutine — but
// trades nspkt's UDP-only world for a Socket interface so the same state
// machine drives both UDP home servers and TCP/TLS-backed ones.
package trunkconn

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/idtracker"
	"github.com/nradius/trunk/pkg/retry"
	"github.com/nradius/trunk/pkg/trunkconn/nbsocket"
	"github.com/nradius/trunk/pkg/trunkreq"
)

// State is one of the connection liveness states (§4.D).
type State int

const (
	Connecting State = iota
	Active
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Zombie:
		return "zombie"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Socket is the transport collaborator. nbsocket.Conn implements it for
// real TCP/UDP sockets; tests substitute an in-memory fake.
type Socket = nbsocket.Socket

// WriteResult reports the outcome of one TryWrite/PumpWrite attempt.
type WriteResult int

const (
	WriteSent WriteResult = iota
	WritePartial
	WriteWouldBlock
	WriteFatal
)

// RequireMA is the connection-level Message-Authenticator enforcement policy
// (§6, §9). Auto behaves like No until the connection observes its first
// reply carrying a valid Message-Authenticator, at which point it upgrades
// itself to Yes-equivalent enforcement for the rest of the connection's
// life — a one-shot promotion with no downgrade, the BlastRADIUS mitigation
// spec.md calls out explicitly.
type RequireMA int

const (
	RequireMANo RequireMA = iota
	RequireMAYes
	RequireMAAuto
)

func (m RequireMA) String() string {
	switch m {
	case RequireMANo:
		return "no"
	case RequireMAYes:
		return "yes"
	case RequireMAAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Limits bounds one connection's behavior; zero fields take the package
// defaults.
type Limits struct {
	MaxPacketSize  int
	InitialRecvBuf int
	MaxRecvBuf     int // Protocol-Error Response-Length growth ceiling

	// ResponseWindow bounds how long a request may go unanswered before the
	// zombie condition (§4.D: last_reply < last_sent && now-last_sent >
	// response_window) trips the connection into Zombie.
	ResponseWindow time.Duration
	// ZombiePeriod is how long a connection with no status-check configured
	// waits in Zombie before it is declared Dead.
	ZombiePeriod time.Duration
	// RevivePeriod is how long a Dead connection waits before the owning
	// trunk attempts to reconnect it. trunkconn does not dial sockets
	// itself; this is carried here for the layer that owns the socket to
	// read.
	RevivePeriod time.Duration

	// DefaultRetry seeds a request's retry.State the first time it is
	// transmitted, if the request didn't already bring its own (probes from
	// pkg/liveness always do).
	DefaultRetry retry.Config

	RequireMessageAuthenticator RequireMA
}

func (l Limits) withDefaults() Limits {
	if l.MaxPacketSize <= 0 {
		l.MaxPacketSize = 4096
	}
	if l.InitialRecvBuf <= 0 {
		l.InitialRecvBuf = 4096
	}
	if l.MaxRecvBuf <= 0 {
		l.MaxRecvBuf = 65535
	}
	if l.ResponseWindow <= 0 {
		l.ResponseWindow = 2 * time.Second
	}
	if l.ZombiePeriod <= 0 {
		l.ZombiePeriod = 30 * time.Second
	}
	if l.RevivePeriod <= 0 {
		l.RevivePeriod = 30 * time.Second
	}
	if l.DefaultRetry.IRT <= 0 {
		l.DefaultRetry = retry.Config{IRT: time.Second, MRT: 16 * time.Second, MRC: 5, MRD: 30 * time.Second}
	}
	return l
}

// Conn is one outbound connection to a RADIUS home server.
type Conn struct {
	sock   Socket
	secret []byte
	bridge *codec.Bridge
	limits Limits
	log    zerolog.Logger

	state       State
	tracker     *idtracker.Table
	recvBuf     []byte
	recvLen     int
	writing     *trunkreq.Request
	statusCheck *trunkreq.Request // owned by pkg/liveness; nil if unmanaged

	lastSent        time.Time // last time any request was transmitted on this connection
	lastSuccess     time.Time // last time a reply was successfully decoded (spec's last_reply)
	lastFailure     time.Time
	enteredZombieAt time.Time

	maSticky bool // BlastRADIUS Auto promotion, one-shot, never downgraded
}

// New constructs a Conn around an already-established Socket. The
// connection starts in Connecting.
func New(sock Socket, secret []byte, bridge *codec.Bridge, limits Limits, log zerolog.Logger) *Conn {
	limits = limits.withDefaults()
	return &Conn{
		sock:    sock,
		secret:  secret,
		bridge:  bridge,
		limits:  limits,
		log:     log.With().Str("component", "trunkconn").Str("remote", sock.RemoteAddr().String()).Logger(),
		state:   Connecting,
		tracker: idtracker.New(),
		recvBuf: make([]byte, limits.InitialRecvBuf),
	}
}

func (c *Conn) State() State              { return c.state }
func (c *Conn) Tracker() *idtracker.Table { return c.tracker }
func (c *Conn) InFlight() int             { return c.tracker.InUse() }
func (c *Conn) LastSuccess() time.Time    { return c.lastSuccess }
func (c *Conn) LastFailure() time.Time    { return c.lastFailure }

// SetStatusCheck installs (or clears, with nil) the probe request pkg/liveness
// manages on this connection.
func (c *Conn) SetStatusCheck(req *trunkreq.Request) { c.statusCheck = req }

// effectiveRequireMA resolves the connection's tri-state policy (plus its
// sticky flag, if Auto) down to the single bool the wire codec wants.
func (c *Conn) effectiveRequireMA() bool {
	switch c.limits.RequireMessageAuthenticator {
	case RequireMAYes:
		return true
	case RequireMAAuto:
		return c.maSticky
	default:
		return false
	}
}

// TryWrite encodes req (if not already encoded) and attempts to send it.
// Encoding happens at most once per request, per the lazy/idempotent
// encode-on-first-transmit rule (§3).
func (c *Conn) TryWrite(now time.Time, req *trunkreq.Request) (WriteResult, error) {
	if c.writing != nil && c.writing != req {
		return WriteWouldBlock, errors.New("trunkconn: connection busy with another partial write")
	}

	if req.Encoded == nil {
		id, ok := c.tracker.Reserve(req)
		if !ok {
			return WriteFatal, ErrNoFreeID
		}
		pkt, authenticator, err := c.bridge.Encode(c.secret, codec.Request{
			Code:                        req.Code,
			RequireMessageAuthenticator: req.RequireMessageAuthenticator || c.effectiveRequireMA(),
			Proxied:                     req.Proxied,
			AddProxyState:               req.Proxied,
			ProxyStateCookie:            req.ProxyStateCookie,
			Pairs:                       req.Pairs,
		}, id)
		if err != nil {
			c.tracker.Release(id)
			return WriteFatal, err
		}
		req.Encoded = pkt
		req.PartialOffset = 0
		req.AssignedID = id
		req.HasID = true
		req.Authenticator = authenticator
		c.tracker.Update(id, authenticator)
		if req.Retry == nil {
			req.Retry = retry.New(c.limits.DefaultRetry, now)
		}
	}

	return c.pump(now, req)
}

// PumpWrite resumes the partial write in progress, if any.
func (c *Conn) PumpWrite(now time.Time) (WriteResult, error) {
	if c.writing == nil {
		return WriteSent, nil
	}
	return c.pump(now, c.writing)
}

// Retransmit resends an already-encoded, already-in-flight request outside
// its normal retry schedule (§4.E Dup signal). It is suppressed — returning
// WriteWouldBlock without touching req — when the connection is busy
// flushing a different partial write, exactly as the scheduler suppresses a
// Dup when there is nowhere to send it right now.
func (c *Conn) Retransmit(now time.Time, req *trunkreq.Request) (WriteResult, error) {
	if c.writing != nil && c.writing != req {
		return WriteWouldBlock, nil
	}
	if c.writing != req {
		req.PartialOffset = 0
	}
	return c.pump(now, req)
}

func (c *Conn) pump(now time.Time, req *trunkreq.Request) (WriteResult, error) {
	n, err := c.sock.Write(req.Encoded[req.PartialOffset:])
	if err != nil {
		if errors.Is(err, nbsocket.ErrWouldBlock) || errors.Is(err, nbsocket.ErrInterrupted) {
			c.writing = req
			return WriteWouldBlock, nil
		}
		c.writing = nil
		c.noteFailure(now)
		return WriteFatal, err
	}
	if n == 0 {
		// No progress made, but not a classified WouldBlock error either:
		// treat it the same way so the caller requeues this request to
		// another connection instead of looping forever on a broken one.
		c.writing = nil
		return WriteWouldBlock, nil
	}
	c.lastSent = now
	req.PartialOffset += n
	if req.PartialOffset < len(req.Encoded) {
		c.writing = req
		return WritePartial, nil
	}
	c.writing = nil
	return WriteSent, nil
}

// Event is one completed-reply or decode-failure notification produced by
// draining the socket.
type Event struct {
	Request *trunkreq.Request
	Outcome codec.Outcome
	Reply   codec.DecodeResult
	Fail    codec.DecodeFail // DecodeOK if Outcome is meaningful
}

// Drain reads every currently-available datagram/record from the socket and
// decodes it, stopping at the first WouldBlock. Decode failures are logged
// and the slot is left intact so a later, valid reply can still arrive
// (§7): they never appear in the returned events.
func (c *Conn) Drain(now time.Time) ([]Event, error) {
	var events []Event
	for {
		n, err := c.sock.Read(c.recvBuf[c.recvLen:])
		if err != nil {
			if errors.Is(err, nbsocket.ErrWouldBlock) || errors.Is(err, nbsocket.ErrInterrupted) {
				return events, nil
			}
			c.noteFailure(now)
			return events, err
		}
		c.recvLen += n
		for {
			ev, consumed, _ := c.tryDecodeOne(now)
			if consumed == 0 {
				break // need more bytes
			}
			copy(c.recvBuf, c.recvBuf[consumed:c.recvLen])
			c.recvLen -= consumed
			if ev != nil {
				events = append(events, *ev)
			}
		}
		if c.recvLen == len(c.recvBuf) {
			// buffer exhausted without a complete header; nothing more
			// to do until Protocol-Error growth (growRecvBuffer) runs.
			return events, nil
		}
	}
}

// tryDecodeOne attempts to decode exactly one packet from the front of the
// receive buffer. consumed is how many bytes to drop regardless of whether
// an event was produced (0 means "wait for more bytes").
func (c *Conn) tryDecodeOne(now time.Time) (ev *Event, consumed int, ok bool) {
	if c.recvLen < codec.HeaderLen {
		return nil, 0, false
	}
	declared := int(binary.BigEndian.Uint16(c.recvBuf[2:4]))
	if declared < codec.HeaderLen {
		c.log.Warn().Msg("dropping reply with invalid header length")
		return nil, c.recvLen, false // drop the whole buffer, can't resync a stream reliably
	}
	if declared > c.recvLen {
		if declared > len(c.recvBuf) {
			c.growRecvBuffer(declared)
		}
		return nil, 0, false // need more bytes
	}

	raw := c.recvBuf[:declared]
	id := raw[1]
	owner, authenticator, known := c.tracker.Find(id)
	if !known {
		c.log.Debug().Uint8("id", id).Msg("reply for unknown or already-released id")
		return nil, declared, false
	}
	req, ok := owner.(*trunkreq.Request)
	if !ok {
		return nil, declared, false
	}

	requireMA := req.RequireMessageAuthenticator || c.effectiveRequireMA()
	result, fail := c.bridge.Decode(c.secret, req.Code, authenticator, raw, requireMA)
	if fail != codec.DecodeOK {
		c.log.Warn().Uint8("id", id).Str("reason", fail.String()).Msg("decode failure")
		return nil, declared, false
	}

	if c.limits.RequireMessageAuthenticator == RequireMAAuto && !c.maSticky && result.HasMessageAuthenticator {
		c.maSticky = true
	}

	if result.Code == codec.CodeProtocolError {
		if cause, present := codec.FindErrorCause(result.Pairs); present && cause == codec.ErrorCauseResponseTooBig {
			if hint, present := codec.FindResponseLength(result.Pairs); present && hint > len(c.recvBuf) {
				c.growRecvBuffer(hint)
			}
		}
		if origCode, present := codec.FindOriginalPacketCode(result.Pairs); present && origCode != req.Code {
			c.log.Warn().Uint8("id", id).Msg("protocol-error original-packet-code mismatch")
			c.tracker.Release(id)
			c.noteSuccess(now)
			return &Event{Request: req, Outcome: codec.OutcomeFAIL, Reply: result}, declared, true
		}
	}

	if result.Code == codec.CodeAccessChallenge && !codec.HasReplyPacketType(result.Pairs) {
		c.log.Warn().Uint8("id", id).Msg("access-challenge missing reply packet type")
		c.tracker.Release(id)
		c.noteSuccess(now)
		return &Event{Request: req, Outcome: codec.OutcomeFAIL, Reply: result}, declared, true
	}

	c.tracker.Release(id)
	c.noteSuccess(now)
	outcome := codec.ReplyOutcome(result.Code)
	return &Event{Request: req, Outcome: outcome, Reply: result}, declared, true
}

// growRecvBuffer enlarges the receive buffer to at least size, preserving
// any bytes already buffered but not yet consumed (§4 Protocol-Error
// handling, bio.c's overflow growth).
func (c *Conn) growRecvBuffer(size int) {
	if size > c.limits.MaxRecvBuf {
		size = c.limits.MaxRecvBuf
	}
	if size <= len(c.recvBuf) {
		return
	}
	next := make([]byte, size)
	copy(next, c.recvBuf[:c.recvLen])
	c.recvBuf = next
}

func (c *Conn) noteSuccess(now time.Time) {
	c.lastSuccess = now
}

func (c *Conn) noteFailure(now time.Time) {
	c.lastFailure = now
}

// CheckZombie runs the zombie-condition check (pkg/trunk calls it once per
// connection on every event-loop tick) and transitions Active->Zombie, or
// Zombie->Dead once zombie_period has elapsed with no status-check
// configured to revive it. It returns the (possibly updated) state.
//
// statusCheckEnabled reports whether pkg/liveness is actively probing this
// connection: per spec, a zombie connection with probing enabled leaves
// Zombie only via a successful probe (driven externally through
// MarkAliveFromProbe), never via this timer.
func (c *Conn) CheckZombie(now time.Time, statusCheckEnabled bool) State {
	switch c.state {
	case Active:
		if !c.lastSent.IsZero() && c.lastSuccess.Before(c.lastSent) && now.Sub(c.lastSent) > c.limits.ResponseWindow {
			c.state = Zombie
			c.enteredZombieAt = now
		}
	case Zombie:
		if !statusCheckEnabled && now.Sub(c.enteredZombieAt) >= c.limits.ZombiePeriod {
			c.state = Dead
		}
	}
	return c.state
}

// MarkAliveFromProbe transitions Connecting or Zombie to Active once
// pkg/liveness reports a connection has earned its required consecutive
// successful probe replies. It is a no-op from any other state.
func (c *Conn) MarkAliveFromProbe(now time.Time) {
	if c.state == Connecting || c.state == Zombie {
		c.state = Active
		c.lastSuccess = now
	}
}

// MarkConnected transitions Connecting->Active, used once the transport
// reports the connection established (TCP) or immediately (UDP, which has
// no handshake) for connections with no status-check configured to gate the
// transition instead.
func (c *Conn) MarkConnected(now time.Time) {
	if c.state == Connecting {
		c.state = Active
		c.lastSuccess = now
	}
}

// Close marks the connection Dead and closes the underlying socket. It does
// not release the tracker's reserved IDs; a caller that needs the in-flight
// requests walks Tracker() before closing, as Trunk.Shutdown does.
func (c *Conn) Close() error {
	c.state = Dead
	return c.sock.Close()
}

// InFlightOutcome is the terminal disposition of an in-flight request
// handled by TickInFlight.
type InFlightOutcome int

const (
	InFlightCancelled InFlightOutcome = iota
	InFlightRetryExhausted
)

// InFlightDone reports one in-flight request that TickInFlight removed from
// the connection's tracker.
type InFlightDone struct {
	Request *trunkreq.Request
	Outcome InFlightOutcome
}

// InFlightTick summarizes one TickInFlight pass.
type InFlightTick struct {
	Retransmits int
	Done        []InFlightDone
}

// TickInFlight walks every request currently assigned an ID on this
// connection and advances its retransmission schedule or out-of-band
// signal (§4.B retry wiring, §4.E Dup signal). Cancel resolves and releases
// the request immediately; Dup triggers an immediate Retransmit, suppressed
// only when the connection is write-blocked on something else; otherwise, a
// request whose retry.State has reached its RetryAt is either retransmitted
// (Continue) or resolved FAIL and released (MRC/MRD exhausted).
//
// idtracker.Table.Each forbids calling Release from within its callback, so
// ids to release are collected during the walk and released only after it
// returns.
func (c *Conn) TickInFlight(now time.Time) InFlightTick {
	var tick InFlightTick
	var toRelease []byte

	c.tracker.Each(func(id byte, owner any) {
		req, ok := owner.(*trunkreq.Request)
		if !ok {
			return
		}

		if sig, pending := req.TakeSignal(); pending {
			switch sig {
			case trunkreq.SignalCancel:
				toRelease = append(toRelease, id)
				tick.Done = append(tick.Done, InFlightDone{Request: req, Outcome: InFlightCancelled})
				return
			case trunkreq.SignalDup:
				if res, _ := c.Retransmit(now, req); res == WriteSent || res == WritePartial {
					tick.Retransmits++
				}
			}
		}

		if req.Retry == nil || now.Before(req.Retry.RetryAt()) {
			return
		}
		switch req.Retry.Next(now) {
		case retry.Continue:
			if res, _ := c.Retransmit(now, req); res == WriteSent || res == WritePartial {
				tick.Retransmits++
			}
		case retry.MRCExhausted, retry.MRDExhausted:
			toRelease = append(toRelease, id)
			tick.Done = append(tick.Done, InFlightDone{Request: req, Outcome: InFlightRetryExhausted})
		}
	})

	for _, id := range toRelease {
		c.tracker.Release(id)
	}
	return tick
}

// ErrNoFreeID is returned when all 256 identifiers on a connection are in
// use and a new request cannot be assigned one.
var ErrNoFreeID = errors.New("trunkconn: no free RADIUS identifier on this connection")
