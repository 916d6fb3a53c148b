// Package notify provides typed observer lists. Each notification point in
// the system owns one List; observers run synchronously, in registration
// order, on whichever goroutine raises the notification.
package notify

import "sync"

// List is an ordered set of observers for values of type T.
type List[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

// Add registers fn. Observers are invoked in the order they were added.
func (l *List[T]) Add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

// Len returns the number of registered observers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Notify calls every observer with v. The observer slice is copied before
// dispatch so an observer may register further observers without deadlock;
// those take effect from the next Notify.
func (l *List[T]) Notify(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Clear removes every observer.
func (l *List[T]) Clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
