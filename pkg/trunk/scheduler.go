package trunk

import (
	"container/heap"
	"time"

	"github.com/nradius/trunk/pkg/trunkreq"
)

// backlog is a priority queue of requests waiting for a connection,
// ordered (status-check desc, priority desc, recv-time asc) as in §4.F.
// Status-checks always win a tie because pkg/liveness must never be
// starved by ordinary traffic.
type backlog []*trunkreq.Request

func (b backlog) Len() int { return len(b) }

func (b backlog) Less(i, j int) bool {
	a, c := b[i], b[j]
	if a.StatusCheck != c.StatusCheck {
		return a.StatusCheck // true sorts first
	}
	if a.Priority != c.Priority {
		return a.Priority > c.Priority
	}
	return a.RecvTime.Before(c.RecvTime)
}

func (b backlog) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

func (b *backlog) Push(x any) { *b = append(*b, x.(*trunkreq.Request)) }

func (b *backlog) Pop() any {
	old := *b
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*b = old[:n-1]
	return item
}

// Scheduler holds the backlog of requests not yet assigned to a
// connection. It is owned by a single Trunk event loop goroutine and is
// not safe for concurrent use.
type Scheduler struct {
	backlog backlog
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.backlog)
	return s
}

// Enqueue adds req to the backlog.
func (s *Scheduler) Enqueue(req *trunkreq.Request) {
	heap.Push(&s.backlog, req)
}

// Len returns the number of requests currently backlogged.
func (s *Scheduler) Len() int { return s.backlog.Len() }

// PopFor returns the highest-priority backlogged request, skipping any
// whose pending signal is Cancel (resolved instead of handed to conn).
// now is accepted but unused; every request is eligible for any connection.
func (s *Scheduler) PopFor(now time.Time) (*trunkreq.Request, bool) {
	for s.backlog.Len() > 0 {
		req := heap.Pop(&s.backlog).(*trunkreq.Request)
		if sig, ok := req.TakeSignal(); ok && sig == trunkreq.SignalCancel {
			req.Resolve(trunkreq.Outcome{Err: ErrCancelled})
			continue
		}
		return req, true
	}
	return nil, false
}

// Requeue discards req's transmission state and puts it back in the backlog,
// where it is ordered by its original priority and receive time.
func (s *Scheduler) Requeue(req *trunkreq.Request) {
	req.Reassign()
	heap.Push(&s.backlog, req)
}
