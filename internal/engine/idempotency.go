package engine

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the cold-path dedup lookup against the op log.
type DBIdempotencyChecker interface {
	IsDuplicate(kind, idempotencyKey string) (bool, error)
}

// IdempotencyChecker dedupes redelivered commands in two tiers: an
// in-memory LRU for the hot path, the op log for the cold path. Not safe
// for concurrent use; only the engine goroutine touches it.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func compositeKey(kind, key string) string {
	return fmt.Sprintf("%s:%s", kind, key)
}

// IsDuplicate reports whether the command was already applied. A db error
// counts as not-duplicate so a database hiccup cannot stall the engine;
// the op log's unique index is the final guard.
func (ic *IdempotencyChecker) IsDuplicate(kind, key string) bool {
	ck := compositeKey(kind, key)
	if ic.lru.contains(ck) {
		return true
	}
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, key)
		if err == nil && isDup {
			ic.lru.add(ck)
			return true
		}
	}
	return false
}

// MarkApplied records a processed command.
func (ic *IdempotencyChecker) MarkApplied(kind, key string) {
	ic.lru.add(compositeKey(kind, key))
}

// Warm preloads composite keys, e.g. recent op-log rows on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.add(k)
	}
}

// Keys returns all cached composite keys, newest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *idempotencyLRU) add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.order.Len())
	for e := lru.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}
