package ws

import (
	"sync"
	"time"
)

// ConnMeta is per-connection bookkeeping (join time, liveness, optional voter
// identity). It lives in this side table keyed by connection id, deliberately
// outside coordinator state: the coordinator only ever sees an outbox channel.
type ConnMeta struct {
	SessionID    string
	VoterID      string
	JoinedAt     time.Time
	LastActivity time.Time
}

type metaTable struct {
	mu    sync.Mutex
	conns map[string]ConnMeta
}

func newMetaTable() *metaTable {
	return &metaTable{conns: make(map[string]ConnMeta)}
}

func (t *metaTable) add(connID string, meta ConnMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = meta
}

func (t *metaTable) touch(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if meta, ok := t.conns[connID]; ok {
		meta.LastActivity = time.Now()
		t.conns[connID] = meta
	}
}

func (t *metaTable) remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
}

func (t *metaTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
