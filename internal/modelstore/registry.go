package modelstore

import "sync/atomic"

// Registry publishes the production model of one kind. Swap installs a new
// value atomically, so readers in flight keep the bundle they already loaded
// and new readers see the replacement immediately. There is no locking on
// the read path.
type Registry[T any] struct {
	current atomic.Pointer[T]
}

// Current returns the published value, or false if nothing is published.
func (r *Registry[T]) Current() (*T, bool) {
	v := r.current.Load()
	return v, v != nil
}

// Swap publishes v and returns the previous value (nil on first publish).
func (r *Registry[T]) Swap(v *T) *T {
	return r.current.Swap(v)
}
