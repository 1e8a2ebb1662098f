package grouping

import (
	"strconv"
	"sync"
	"time"
)

// DefaultLedgerTTL is how long a self-issued mutation stays marked.
const DefaultLedgerTTL = time.Second

// UpdateGroupOp names a title or color write to a group.
func UpdateGroupOp(groupID int) string {
	return "update-group-" + strconv.Itoa(groupID)
}

// GroupTabsOp names a move of a tab into a group.
func GroupTabsOp(tabID int) string {
	return "group-tabs-" + strconv.Itoa(tabID)
}

// Ledger remembers mutations the engine issued itself so their echo events
// are not mistaken for user actions. Entries expire after the TTL.
type Ledger struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	ops map[string]time.Time
}

// NewLedger creates a ledger. A nil now uses time.Now.
func NewLedger(ttl time.Duration, now func() time.Time) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{ttl: ttl, now: now, ops: make(map[string]time.Time)}
}

// Mark records op as issued now.
func (l *Ledger) Mark(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.ops[op] = now.Add(l.ttl)
}

// IsInternal reports whether op was marked and has not expired yet.
func (l *Ledger) IsInternal(op string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.ops[op]
	if !ok {
		return false
	}
	if !l.now().Before(exp) {
		delete(l.ops, op)
		return false
	}
	return true
}

// Len returns the number of unexpired entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.ops)
}

func (l *Ledger) pruneLocked(now time.Time) {
	for op, exp := range l.ops {
		if !now.Before(exp) {
			delete(l.ops, op)
		}
	}
}
