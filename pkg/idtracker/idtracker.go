// Package idtracker assigns and tracks RADIUS packet identifiers (a single
// byte, RFC 2865 §3) for one connection. Each of the 256 possible values may
// be in use by at most one in-flight request at a time; Reserve round-robins
// from the slot after the last one handed out, matching the teacher's
// round-robin connect-token cursor in pkg/nspkt.
package idtracker

// slot holds the bookkeeping for one outstanding RADIUS ID.
type slot struct {
	inUse         bool
	owner         any
	authenticator [16]byte
}

// Table tracks the 256 RADIUS identifiers available on one connection.
type Table struct {
	slots [256]slot
	last  byte
	inUse int
}

// New returns an empty Table.
func New() *Table {
	return &Table{}
}

// Reserve claims the next free ID, starting the search just after the last
// ID handed out, and associates it with owner (typically a *trunkreq.Request
// or its handle). It returns ok=false if all 256 IDs are in use.
func (t *Table) Reserve(owner any) (id byte, ok bool) {
	if t.inUse >= 256 {
		return 0, false
	}
	start := t.last + 1
	for i := 0; i < 256; i++ {
		candidate := start + byte(i)
		if !t.slots[candidate].inUse {
			t.slots[candidate] = slot{inUse: true, owner: owner}
			t.last = candidate
			t.inUse++
			return candidate, true
		}
	}
	return 0, false
}

// Update stores the Request Authenticator used to sign the packet sent with
// id, so a later reply can be verified against it.
func (t *Table) Update(id byte, authenticator [16]byte) {
	if t.slots[id].inUse {
		t.slots[id].authenticator = authenticator
	}
}

// Find returns the owner and signing authenticator for id, if reserved.
func (t *Table) Find(id byte) (owner any, authenticator [16]byte, ok bool) {
	s := &t.slots[id]
	if !s.inUse {
		return nil, [16]byte{}, false
	}
	return s.owner, s.authenticator, true
}

// Release frees id. It is a no-op if id was not reserved.
func (t *Table) Release(id byte) {
	if t.slots[id].inUse {
		t.slots[id] = slot{}
		t.inUse--
	}
}

// InUse returns the number of IDs currently reserved.
func (t *Table) InUse() int { return t.inUse }

// Each calls fn for every currently-reserved ID, in ascending order. fn must
// not call Reserve or Release on t.
func (t *Table) Each(fn func(id byte, owner any)) {
	for i := 0; i < 256; i++ {
		if t.slots[i].inUse {
			fn(byte(i), t.slots[i].owner)
		}
	}
}
