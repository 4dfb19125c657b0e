package core

import (
	"container/list"
	"context"
	"time"

	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks a request id up in durable storage.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands by request id: an LRU of recent keys in front
// of the event log.
type IdempotencyChecker struct {
	lru     *IdempotencyLRU
	db      DBIdempotencyChecker
	timeout time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		db:      db,
		timeout: 2 * time.Second,
		metrics: metrics,
		log:     log,
	}
}

func dedupKey(commandType, requestID string) string {
	return commandType + ":" + requestID
}

// IsDuplicate reports whether the command was already applied. A failed storage lookup
// counts as unseen: the event log's unique key still rejects the replay on write.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, commandType, requestID string) bool {
	key := dedupKey(commandType, requestID)
	if ic.lru.Contains(key) {
		return true
	}
	if ic.db == nil {
		return false
	}

	start := time.Now()
	lookupCtx, cancel := context.WithTimeout(ctx, ic.timeout)
	defer cancel()
	seen, err := ic.db.IsDuplicate(lookupCtx, commandType, requestID)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ic.log.Warn().Err(err).Str("event_type", commandType).Str("key", requestID).Msg("dedup lookup failed")
		return false
	}
	if seen {
		ic.lru.Add(key)
	}
	return seen
}

func (ic *IdempotencyChecker) MarkProcessed(commandType, requestID string) {
	ic.lru.Add(dedupKey(commandType, requestID))
}

// IdempotencyLRU is a bounded set of recent keys. Only the core goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front is most recent
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports membership and marks key as recently used.
func (l *IdempotencyLRU) Contains(key string) bool {
	el, ok := l.index[key]
	if ok {
		l.order.MoveToFront(el)
	}
	return ok
}

func (l *IdempotencyLRU) Add(key string) {
	if el, ok := l.index[key]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.index[key] = l.order.PushFront(key)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

// WarmFromKeys adds keys oldest first, the order GetAllKeys returns them in.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, k := range keys {
		l.Add(k)
	}
}

// GetAllKeys returns keys from least to most recently used.
func (l *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, l.order.Len())
	for el := l.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(string))
	}
	return keys
}

func (l *IdempotencyLRU) Size() int { return l.order.Len() }
