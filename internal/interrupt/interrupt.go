// Package interrupt provides edge-triggered cancellation signals and a
// combinator to observe two independently-owned signals as one.
package interrupt

import "sync"

// Signal is a one-shot, edge-triggered cancellation flag. The zero value
// is a valid, unfired Signal. It is safe for concurrent use.
type Signal struct {
	mu     sync.Mutex
	fired  bool
	ch     chan struct{}
	inited bool
}

func (s *Signal) lazyInit() {
	if !s.inited {
		s.ch = make(chan struct{})
		s.inited = true
	}
}

// Pulse fires the signal. Idempotent: firing an already-fired Signal is a
// no-op.
func (s *Signal) Pulse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyInit()
	if s.fired {
		return
	}
	s.fired = true
	close(s.ch)
}

// Pulsed reports whether the signal has fired.
func (s *Signal) Pulsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Done returns a channel that is closed once Pulse has been called.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyInit()
	return s.ch
}

// Composite observes two Signals as one: it is considered pulsed iff
// either input has fired. Composite has no Pulse method of its own; it
// fires only through its inputs. Evaluator code should only ever
// observe a Composite, never reach past it to an individual input.
type Composite struct {
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	firedBy  string // "external" | "persistent" | ""
	external *Signal
	persist  *Signal
}

// NewComposite combines an external (per-request) signal and a
// persistent (per-entry) signal into one observable signal.
func NewComposite(external, persistent *Signal) *Composite {
	c := &Composite{
		done:     make(chan struct{}),
		external: external,
		persist:  persistent,
	}
	go c.watch()
	return c
}

func (c *Composite) watch() {
	select {
	case <-c.external.Done():
		c.mark("external")
	case <-c.persist.Done():
		c.mark("persistent")
	}
}

func (c *Composite) mark(which string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.firedBy = which
		c.mu.Unlock()
		close(c.done)
	})
}

// Done returns a channel closed once either input signal has fired.
func (c *Composite) Done() <-chan struct{} { return c.done }

// Pulsed reports whether either input has fired yet.
func (c *Composite) Pulsed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// PersistentFired reports whether the composite's firing was caused by
// the persistent (per-entry) signal specifically, as opposed to the
// external (per-request) one. Only meaningful once Pulsed() is true.
func (c *Composite) PersistentFired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firedBy == "persistent"
}
