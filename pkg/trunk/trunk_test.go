package trunk

import (
	"crypto/hmac"
	"crypto/md5"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/liveness"
	"github.com/nradius/trunk/pkg/retry"
	"github.com/nradius/trunk/pkg/trunkconn"
	"github.com/nradius/trunk/pkg/trunkconn/nbsocket"
	"github.com/nradius/trunk/pkg/trunkreq"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeSocket is an in-memory Socket double: every Write succeeds
// immediately (no backpressure simulation needed for these tests), and
// queued reply bytes are handed back one Read call at a time.
type fakeSocket struct {
	written [][]byte
	replies [][]byte
}

func (s *fakeSocket) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.written = append(s.written, cp)
	return len(buf), nil
}

func (s *fakeSocket) Read(buf []byte) (int, error) {
	if len(s.replies) == 0 {
		return 0, nbsocket.ErrWouldBlock
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return copy(buf, next), nil
}

func (s *fakeSocket) Close() error         { return nil }
func (s *fakeSocket) LocalAddr() net.Addr  { return fakeAddr("local") }
func (s *fakeSocket) RemoteAddr() net.Addr { return fakeAddr("remote") }

// newTestTrunk builds a Trunk with its event-loop goroutine never started,
// so the test can drive tick() directly and deterministically.
func newTestTrunk(bridge *codec.Bridge) *Trunk {
	return &Trunk{
		log:     zerolog.Nop(),
		bridge:  bridge,
		metrics: noopMetrics{},
		sched:   NewScheduler(),
		cmds:    make(chan func(*Trunk), 64),
		closed:  make(chan struct{}),
	}
}

// signedReply builds a minimally valid, correctly-signed reply packet for
// id/requestAuthenticator, carrying a Message-Authenticator (required for
// both Access-Request and Status-Server replies).
func signedReply(t *testing.T, secret []byte, code, id byte, requestAuthenticator [16]byte) []byte {
	t.Helper()
	const total = codec.HeaderLen + codec.MessageAuthenticatorLen
	pkt := make([]byte, total)
	pkt[0] = code
	pkt[1] = id
	pkt[2] = byte(total >> 8)
	pkt[3] = byte(total)
	copy(pkt[4:20], requestAuthenticator[:])
	pkt[codec.HeaderLen] = codec.AttrMessageAuthenticator
	pkt[codec.HeaderLen+1] = codec.MessageAuthenticatorLen

	mac := hmac.New(md5.New, secret)
	mac.Write(pkt)
	copy(pkt[codec.HeaderLen+2:codec.HeaderLen+2+16], mac.Sum(nil))

	buf := append([]byte{}, pkt[:4]...)
	buf = append(buf, requestAuthenticator[:]...)
	buf = append(buf, pkt[codec.HeaderLen:]...)
	buf = append(buf, secret...)
	sum := md5.Sum(buf)
	copy(pkt[4:20], sum[:])
	return pkt
}

// TestTickRetransmitsThenResolvesFailOnMRCExhaustion mirrors spec scenario
// S2: a silent home server (every reply dropped) gets exactly MRC total
// transmissions before the request resolves FAIL and its id is released.
func TestTickRetransmitsThenResolvesFailOnMRCExhaustion(t *testing.T) {
	secret := []byte("sharedsecret")
	bridge := codec.NewBridge(4096)
	sock := &fakeSocket{}
	start := time.Unix(0, 0)

	conn := trunkconn.New(sock, secret, bridge, trunkconn.Limits{
		DefaultRetry: retry.Config{IRT: time.Second, MRT: 2 * time.Second, MRC: 3},
	}, zerolog.Nop())
	conn.MarkConnected(start)

	tr := newTestTrunk(bridge)
	ce := &connEntry{conn: conn, writable: make(chan struct{}, 1), readable: make(chan struct{}, 1)}
	tr.conns = append(tr.conns, ce)

	req := trunkreq.New(codec.CodeAccessRequest, nil, 0, start)
	req.RequireMessageAuthenticator = true
	tr.sched.Enqueue(req)

	times := []time.Time{start, start.Add(5 * time.Second), start.Add(10 * time.Second), start.Add(15 * time.Second)}
	for _, now := range times {
		tr.tick(now)
	}

	if len(sock.written) != 3 {
		t.Fatalf("got %d transmissions, want 3 (initial + 2 retransmits)", len(sock.written))
	}
	select {
	case <-req.Done():
	default:
		t.Fatal("request never resolved after MRC exhaustion")
	}
	if req.Result().Err != ErrFail {
		t.Fatalf("result err = %v, want ErrFail", req.Result().Err)
	}
	if conn.InFlight() != 0 {
		t.Fatalf("connection still has %d in-flight entries after MRC exhaustion", conn.InFlight())
	}
}

// TestTickHandlesDupSignalWithImmediateRetransmit covers §4.E: a Dup signal
// on an already-sent request triggers an out-of-schedule retransmission on
// the same connection well before its normal retry timer would fire.
func TestTickHandlesDupSignalWithImmediateRetransmit(t *testing.T) {
	secret := []byte("sharedsecret")
	bridge := codec.NewBridge(4096)
	sock := &fakeSocket{}
	start := time.Unix(0, 0)

	conn := trunkconn.New(sock, secret, bridge, trunkconn.Limits{
		DefaultRetry: retry.Config{IRT: 10 * time.Second, MRT: 20 * time.Second, MRC: 10},
	}, zerolog.Nop())
	conn.MarkConnected(start)

	tr := newTestTrunk(bridge)
	ce := &connEntry{conn: conn, writable: make(chan struct{}, 1), readable: make(chan struct{}, 1)}
	tr.conns = append(tr.conns, ce)

	req := trunkreq.New(codec.CodeAccessRequest, nil, 0, start)
	req.RequireMessageAuthenticator = true
	tr.sched.Enqueue(req)

	tr.tick(start)
	if len(sock.written) != 1 {
		t.Fatalf("got %d transmissions after initial send, want 1", len(sock.written))
	}

	req.Signal(trunkreq.SignalDup)
	tr.tick(start.Add(100 * time.Millisecond)) // long before the 10s retry timer
	if len(sock.written) != 2 {
		t.Fatalf("got %d transmissions after Dup signal, want 2", len(sock.written))
	}
}

// TestTickZombieRevivesToActiveAfterRequiredProbeSuccesses mirrors spec
// scenario S6: once a connection's requests go unanswered long enough to
// enter Zombie, it only returns to Active after NumAnswersToAlive
// consecutive successful status-check probe replies.
func TestTickZombieRevivesToActiveAfterRequiredProbeSuccesses(t *testing.T) {
	secret := []byte("sharedsecret")
	bridge := codec.NewBridge(4096)
	sock := &fakeSocket{}
	start := time.Unix(0, 0)

	conn := trunkconn.New(sock, secret, bridge, trunkconn.Limits{
		ResponseWindow: 50 * time.Millisecond,
		DefaultRetry:   retry.Config{IRT: time.Hour, MRC: 1000}, // never exhausts mid-test
	}, zerolog.Nop())
	conn.MarkConnected(start.Add(-time.Second)) // lastSuccess predates the first send below

	sup := liveness.New(liveness.Config{
		Code:              codec.CodeStatusServer,
		Retry:             retry.Config{IRT: time.Hour, MRC: 1000},
		NumAnswersToAlive: 2,
	}, zerolog.Nop())

	tr := newTestTrunk(bridge)
	ce := &connEntry{conn: conn, sup: sup, writable: make(chan struct{}, 1), readable: make(chan struct{}, 1)}
	tr.conns = append(tr.conns, ce)

	req := trunkreq.New(codec.CodeAccessRequest, nil, 0, start)
	req.RequireMessageAuthenticator = true
	tr.sched.Enqueue(req)

	tr.tick(start) // dispatches both the probe and req; neither gets answered
	if conn.State() != trunkconn.Active {
		t.Fatalf("state after first tick = %v, want Active", conn.State())
	}

	tr.tick(start.Add(200 * time.Millisecond)) // past ResponseWindow with no replies
	if conn.State() != trunkconn.Zombie {
		t.Fatalf("state after silence past ResponseWindow = %v, want Zombie", conn.State())
	}

	if ce.probe == nil {
		t.Fatal("expected an outstanding probe while zombie")
	}
	sock.replies = append(sock.replies, signedReply(t, secret, codec.CodeAccessAccept, ce.probe.AssignedID, ce.probe.Authenticator))
	tr.tick(start.Add(210 * time.Millisecond)) // first successful probe: not enough yet
	if conn.State() != trunkconn.Zombie {
		t.Fatalf("state after one successful probe = %v, want Zombie (needs 2)", conn.State())
	}

	tr.tick(start.Add(220 * time.Millisecond)) // the 210ms tick already had driveProbe write a fresh probe
	if ce.probe == nil {
		t.Fatal("expected a second outstanding probe while still zombie")
	}
	sock.replies = append(sock.replies, signedReply(t, secret, codec.CodeAccessAccept, ce.probe.AssignedID, ce.probe.Authenticator))
	tr.tick(start.Add(230 * time.Millisecond)) // second consecutive success
	if conn.State() != trunkconn.Active {
		t.Fatalf("state after two consecutive successful probes = %v, want Active", conn.State())
	}
}
