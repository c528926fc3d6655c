// Package drainer implements a counted scope of live holders whose
// Close blocks until the count reaches zero, used to defer destruction
// of an object while any Ref still references it.
package drainer

import "sync"

// Drainer tracks live holders of some resource. Close blocks until every holder that entered before the call to Close has
// released; holders that try to enter after Close has begun are
// rejected.
type Drainer struct {
	mu      sync.Mutex
	count   int
	closing bool
	drained chan struct{}
}

// New returns a ready-to-use Drainer.
func New() *Drainer {
	return &Drainer{drained: make(chan struct{})}
}

// Lock represents one held entry in the drainer; Release must be called
// exactly once.
type Lock struct {
	d        *Drainer
	released bool
}

// TryEnter registers one more live holder. It fails (ok=false) if the
// drainer is already closing — the caller must not proceed to use the
// guarded resource in that case.
func (d *Drainer) TryEnter() (lock *Lock, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil, false
	}
	d.count++
	return &Lock{d: d}, true
}

// Release releases one held entry. Safe to call at most once per Lock.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	d := l.d
	d.mu.Lock()
	d.count--
	n := d.count
	closing := d.closing
	d.mu.Unlock()
	if closing && n == 0 {
		closeOnce(d)
	}
}

func closeOnce(d *Drainer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.drained:
	default:
		close(d.drained)
	}
}

// Close marks the drainer as closing (rejecting future TryEnter calls)
// and blocks until every currently-live holder has released.
func (d *Drainer) Close() {
	d.mu.Lock()
	d.closing = true
	n := d.count
	d.mu.Unlock()
	if n == 0 {
		closeOnce(d)
	}
	<-d.drained
}
