package counter

// Pending holds a value that takes effect at an instant. The value is handed
// out exactly once, when the event counter equals the instant.
type Pending[T any] struct {
	value   T
	instant Event
	set     bool
}

// Schedule stores v to take effect at instant, replacing anything pending.
func (p *Pending[T]) Schedule(v T, instant Event) {
	p.value = v
	p.instant = instant
	p.set = true
}

// Active reports whether a value is waiting for its instant
func (p *Pending[T]) Active() bool { return p.set }

// Instant returns the instant of the pending value
func (p *Pending[T]) Instant() Event { return p.instant }

// Value returns the pending value without consuming it
func (p *Pending[T]) Value() T { return p.value }

// Take returns the pending value and clears it if now is the instant.
func (p *Pending[T]) Take(now Event) (T, bool) {
	var zero T
	if !p.set || now != p.instant {
		return zero, false
	}
	v := p.value
	p.Clear()
	return v, true
}

// Clear drops the pending value
func (p *Pending[T]) Clear() {
	var zero T
	p.value = zero
	p.set = false
}
