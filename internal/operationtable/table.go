// Package operationtable keeps pending call records keyed by the identity of
// an object owned by somebody else, without keeping that object alive.
//
// Keys are compared by pointer identity only. The table holds keys through
// weak pointers and attaches a cleanup to every stored key, so an entry whose
// terminating callback never arrives disappears once its key is garbage
// collected. Values must not reference their key, otherwise the key stays
// reachable through the table and is never reclaimed.
package operationtable

import (
	"runtime"
	"sync"
	"weak"
)

// DiscardReason tells a discard handler why a value left the table without
// being claimed by LoadAndRemove or Remove.
type DiscardReason int

const (
	// DiscardOverwritten means a later Store for the same key replaced the value.
	DiscardOverwritten DiscardReason = iota
	// DiscardReclaimed means the key became unreachable while the value was pending.
	DiscardReclaimed
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardOverwritten:
		return "overwritten"
	case DiscardReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

type entry[V any] struct {
	value   V
	cleanup runtime.Cleanup
}

// Table maps the identity of a *K to a V. It is safe for concurrent use and
// operations on different keys never block each other.
type Table[K any, V any] struct {
	entries   sync.Map // weak.Pointer[K] -> *entry[V]
	onDiscard func(V, DiscardReason)
}

// Option configures a Table.
type Option[K any, V any] func(*Table[K, V])

// WithDiscardHandler registers fn to be called with every value that leaves
// the table unclaimed. fn may run on the runtime's cleanup goroutine and must
// not block.
func WithDiscardHandler[K any, V any](fn func(V, DiscardReason)) Option[K, V] {
	return func(t *Table[K, V]) {
		t.onDiscard = fn
	}
}

// New returns an empty table.
func New[K any, V any](opts ...Option[K, V]) *Table[K, V] {
	t := &Table[K, V]{}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Store associates value with key, replacing any pending value for the same
// key. A nil key is ignored.
func (t *Table[K, V]) Store(key *K, value V) {
	if key == nil {
		return
	}

	wp := weak.Make(key)
	e := &entry[V]{value: value}
	e.cleanup = runtime.AddCleanup(key, t.reclaim, wp)

	if prev, loaded := t.entries.Swap(wp, e); loaded {
		old := prev.(*entry[V])
		old.cleanup.Stop()
		t.discard(old.value, DiscardOverwritten)
	}
}

// Get returns the value pending for key without removing it.
func (t *Table[K, V]) Get(key *K) (V, bool) {
	var zero V
	if key == nil {
		return zero, false
	}

	v, ok := t.entries.Load(weak.Make(key))
	if !ok {
		return zero, false
	}

	return v.(*entry[V]).value, true
}

// Remove drops the value pending for key, if any.
func (t *Table[K, V]) Remove(key *K) {
	_, _ = t.LoadAndRemove(key)
}

// LoadAndRemove removes and returns the value pending for key. When several
// callers race for the same key exactly one of them observes the value.
func (t *Table[K, V]) LoadAndRemove(key *K) (V, bool) {
	var zero V
	if key == nil {
		return zero, false
	}

	v, ok := t.entries.LoadAndDelete(weak.Make(key))
	if !ok {
		return zero, false
	}

	e := v.(*entry[V])
	e.cleanup.Stop()

	return e.value, true
}

// Len returns the number of pending values.
func (t *Table[K, V]) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

func (t *Table[K, V]) reclaim(wp weak.Pointer[K]) {
	v, ok := t.entries.LoadAndDelete(wp)
	if !ok {
		return
	}

	t.discard(v.(*entry[V]).value, DiscardReclaimed)
}

func (t *Table[K, V]) discard(value V, reason DiscardReason) {
	if t.onDiscard != nil {
		t.onDiscard(value, reason)
	}
}
