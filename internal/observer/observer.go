// Package observer keeps ordered lists of callbacks that can each be
// removed independently.
package observer

import (
	"slices"
	"sync"
)

// List holds callbacks of type F. The zero value is ready to use.
type List[F any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]F
}

// Add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (l *List[F]) Add(fn F) (remove func()) {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Snapshot returns the registered callbacks in registration order. Callers
// invoke them without holding any lock, so a callback may add or remove
// entries.
func (l *List[F]) Snapshot() []F {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}

	return out
}

// Len returns the number of registered callbacks.
func (l *List[F]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.fns)
}
