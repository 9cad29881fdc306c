// Package liveness builds a connection's status-check probes and decides
// when consecutive probe replies earn it a transition to Active (§4.G); the
// zombie and dead transitions themselves live in pkg/trunkconn. Grounded on bio.c's
// status_check_alloc/status_check_reset and on the Connecting/Active
// computation in the teacher's serverlist.go (LastHeartbeat-driven
// pending/alive/ghost/gone state, generalized here to
// Connecting/Active/Zombie/Dead).
package liveness

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/retry"
	"github.com/nradius/trunk/pkg/trunkconn"
	"github.com/nradius/trunk/pkg/trunkreq"
)

// Config parameterizes one connection's status-check behavior. A zero Code
// disables active probing: the connection then relies purely on
// trunkconn.Conn.CheckZombie, which moves it to Zombie when sends go
// unanswered past the response window and to Dead after the zombie period.
// Nothing in this module reconnects a Dead connection.
type Config struct {
	Code              byte
	Pairs             []codec.Pair
	Retry             retry.Config
	NumAnswersToAlive int // consecutive successful probes required to call a connection Active
}

// Supervisor builds and rotates probe requests for one connection.
type Supervisor struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Supervisor. A zero-value Config disables probing.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.NumAnswersToAlive < 1 {
		cfg.NumAnswersToAlive = 1
	}
	return &Supervisor{cfg: cfg, log: log.With().Str("component", "liveness").Logger()}
}

// Enabled reports whether active status-check probing is configured.
func (s *Supervisor) Enabled() bool { return s.cfg.Code != 0 }

// NewProbe builds a fresh, not-yet-encoded status-check request. pkg/trunk
// calls it whenever a connection has no outstanding probe: at first, after a
// probe reply, and after a probe's retry schedule is exhausted. A fresh
// probe gets a new ID when it is first written. Retransmissions of an
// outstanding probe (driven by trunkconn.Conn.TickInFlight) resend the same
// encoded packet under the same ID; the ID is not rotated per retransmit.
func (s *Supervisor) NewProbe(now time.Time) *trunkreq.Request {
	req := trunkreq.New(s.cfg.Code, s.cfg.Pairs, 0, now)
	req.StatusCheck = true
	req.Retry = retry.New(s.cfg.Retry, now)
	return req
}

// Tracker counts consecutive successful probes for one connection, to
// decide when it has earned a transition out of Zombie (or delayed entry
// into Active from Connecting).
type Tracker struct {
	consecutive int
}

// RequiredSuccesses returns how many consecutive successful probes this
// connection's current transition needs. From Connecting, a single success
// suffices unless the connection's last known failure postdates its last
// known success (it has a history of flapping), in which case it is held
// to the same bar as a revive from Zombie.
func (s *Supervisor) RequiredSuccesses(state trunkconn.State, lastSuccess, lastFailure time.Time) int {
	if state == trunkconn.Connecting {
		if !lastFailure.IsZero() && lastFailure.After(lastSuccess) {
			return s.cfg.NumAnswersToAlive
		}
		return 1
	}
	return s.cfg.NumAnswersToAlive
}

// OnProbeSuccess records a successful probe answer and reports whether the
// connection has now met the required consecutive-success count for
// becoming/staying Active.
func (t *Tracker) OnProbeSuccess(required int) (alive bool) {
	t.consecutive++
	return t.consecutive >= required
}

// OnProbeFailure resets the consecutive-success counter; a single missed
// or failed probe breaks the streak (RFC 5080's liveness bar does not
// average across failures).
func (t *Tracker) OnProbeFailure() {
	t.consecutive = 0
}

// Consecutive returns the current consecutive-success count.
func (t *Tracker) Consecutive() int { return t.consecutive }
