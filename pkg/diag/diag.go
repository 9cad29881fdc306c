// Package diag serves a cached JSON snapshot of trunk/connection state,
// adapted from serverlist.go's csGetJSON/csGetJSONGzip atomic-pointer
// caching: the expensive snapshot (and its gzip encoding) is recomputed by
// at most one goroutine at a time, with every other caller getting the
// previous cached copy instead of piling onto a rebuild.
package diag

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ConnStatus is one connection's diagnostic snapshot.
type ConnStatus struct {
	Remote   string `json:"remote"`
	State    string `json:"state"`
	InFlight int    `json:"in_flight"`
}

// TrunkStatus is one trunk's diagnostic snapshot.
type TrunkStatus struct {
	Name        string       `json:"name"`
	BacklogLen  int          `json:"backlog_len"`
	Connections []ConnStatus `json:"connections"`
}

// Snapshot is the full diagnostic payload served by Cache.
type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Trunks      []TrunkStatus `json:"trunks"`
}

// Source produces a fresh Snapshot on demand. Callers typically implement
// this as a closure over one or more *trunk.Trunk plus an accessor
// exposing their connection states, kept outside this package to avoid a
// dependency from diag back onto trunk.
type Source interface {
	Snapshot() Snapshot
}

// Cache serves Source's snapshot as JSON or gzip-compressed JSON, rebuilding
// at most every maxAge.
type Cache struct {
	source Source
	maxAge time.Duration

	updating sync.Mutex
	cur      atomic.Pointer[cached]
}

type cached struct {
	at   time.Time
	json []byte
	gzip []byte
}

// NewCache returns a Cache that rebuilds its snapshot at most every maxAge.
func NewCache(source Source, maxAge time.Duration) *Cache {
	return &Cache{source: source, maxAge: maxAge}
}

// JSON returns the current cached snapshot as JSON, refreshing it first if
// it is older than maxAge.
func (c *Cache) JSON() ([]byte, error) {
	cc, err := c.refresh()
	if err != nil {
		return nil, err
	}
	return cc.json, nil
}

// JSONGzip returns the current cached snapshot gzip-compressed.
func (c *Cache) JSONGzip() ([]byte, error) {
	cc, err := c.refresh()
	if err != nil {
		return nil, err
	}
	return cc.gzip, nil
}

func (c *Cache) refresh() (*cached, error) {
	if cc := c.cur.Load(); cc != nil && time.Since(cc.at) < c.maxAge {
		return cc, nil
	}
	if !c.updating.TryLock() {
		// another goroutine is already rebuilding; use whatever is cached,
		// even if stale, rather than blocking behind the rebuild.
		if cc := c.cur.Load(); cc != nil {
			return cc, nil
		}
		c.updating.Lock()
	}
	defer c.updating.Unlock()

	if cc := c.cur.Load(); cc != nil && time.Since(cc.at) < c.maxAge {
		return cc, nil
	}

	snap := c.source.Snapshot()
	j, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(j); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	cc := &cached{at: snap.GeneratedAt, json: j, gzip: buf.Bytes()}
	c.cur.Store(cc)
	return cc, nil
}

// ServeHTTP serves the cached snapshot, gzip-compressed when the client
// accepts it.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		body, err := c.JSONGzip()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(body)
		return
	}
	body, err := c.JSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

func acceptsGzip(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept-Encoding") {
		if v == "gzip" || bytes.Contains([]byte(v), []byte("gzip")) {
			return true
		}
	}
	return false
}
