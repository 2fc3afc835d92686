package bridge

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionRecord pairs a local socket with its circuit and the time of
// the last successful transfer in either direction.
type ConnectionRecord struct {
	Key          string
	Local        io.Closer
	Circuit      Circuit
	LastActivity time.Time
}

// connTable is the connection table of one daemon. Every access goes
// through its single mutex; callers only ever receive copies of records.
type connTable struct {
	mu      sync.Mutex
	records map[string]*ConnectionRecord
	clock   TimeProvider
}

func newConnTable(clock TimeProvider) *connTable {
	return &connTable{
		records: make(map[string]*ConnectionRecord),
		clock:   getTimeProvider(clock),
	}
}

// insert adds a record stamped with the current time. It reports false
// if the key is already present.
func (t *connTable) insert(key string, local io.Closer, circuit Circuit) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[key]; exists {
		return false
	}
	t.records[key] = &ConnectionRecord{
		Key:          key,
		Local:        local,
		Circuit:      circuit,
		LastActivity: t.clock.Now(),
	}
	return true
}

// touch refreshes a record's activity timestamp. It reports false when
// the record is gone.
func (t *connTable) touch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[key]
	if !ok {
		return false
	}
	record.LastActivity = t.clock.Now()
	return true
}

// remove deletes a record. Exactly one caller gets ok for a given key.
func (t *connTable) remove(key string) (ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[key]
	if !ok {
		return ConnectionRecord{}, false
	}
	delete(t.records, key)
	return *record, true
}

// get returns a copy of a record.
func (t *connTable) get(key string) (ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[key]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *record, true
}

// idleKeys returns the keys of records idle longer than timeout at now.
func (t *connTable) idleKeys(now time.Time, timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key, record := range t.records {
		if now.Sub(record.LastActivity) > timeout {
			keys = append(keys, key)
		}
	}
	return keys
}

// keys returns every key in the table.
func (t *connTable) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.records))
	for key := range t.records {
		keys = append(keys, key)
	}
	return keys
}

// len returns the number of records.
func (t *connTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// sessionCore is the session bookkeeping shared by both daemons.
type sessionCore struct {
	role  string
	table *connTable
	stats *Stats
	clock TimeProvider
}

func newSessionCore(role string, clock TimeProvider) *sessionCore {
	clock = getTimeProvider(clock)
	return &sessionCore{
		role:  role,
		table: newConnTable(clock),
		stats: &Stats{},
		clock: clock,
	}
}

// register inserts a session whose circuit is active.
func (c *sessionCore) register(key string, local io.Closer, circuit Circuit) bool {
	if !c.table.insert(key, local, circuit) {
		return false
	}
	c.stats.sessionsOpened.Add(1)
	c.stats.sessionsActive.Add(1)
	return true
}

// activity records a successful transfer on a session.
func (c *sessionCore) activity(key string) {
	c.table.touch(key)
}

// closeSession removes a session and closes both of its ends. Only the
// first call for a key does anything; later calls from the relay worker,
// a transport callback or the reaper report false.
func (c *sessionCore) closeSession(key, reason string) bool {
	record, ok := c.table.remove(key)
	if !ok {
		return false
	}

	record.Circuit.Teardown()
	if record.Local != nil {
		_ = record.Local.Close()
	}

	c.stats.sessionsActive.Add(-1)
	c.stats.sessionsClosed.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "closeSession",
		"role":     c.role,
		"session":  key,
		"circuit":  record.Circuit.ID(),
		"reason":   reason,
	}).Info("Session closed")
	return true
}

// closeAll closes every session in the table.
func (c *sessionCore) closeAll(reason string) int {
	closed := 0
	for _, key := range c.table.keys() {
		if c.closeSession(key, reason) {
			closed++
		}
	}
	return closed
}
