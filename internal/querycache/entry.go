package querycache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/querycache/internal/drainer"
	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/stream"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// State is an Entry's position in its lifecycle.
type State int

const (
	StateStart State = iota
	StateStream
	StateDone
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateStream:
		return "STREAM"
	case StateDone:
		return "DONE"
	case StateDeleting:
		return "DELETING"
	default:
		return "UNKNOWN"
	}
}

// Entry holds one token's live query: its compiled term, execution
// state, interruptor, and the per-entry lock/drainer that serialize and
// track access to it.
type Entry struct {
	// Immutable for the entry's lifetime.
	JobID      string
	Noreply    bool
	Profile    bool
	StartTime  time.Time
	ClientAddr string
	storage    *term.Storage
	optargs    *term.Optargs

	// holdCh is a 1-buffered channel used as a fair, interruptor-aware
	// mutex: a token present in the channel means the entry is free.
	// Acquiring it is the one place Ref construction may suspend
	// waiting for another Ref to finish.
	holdCh chan struct{}

	// stateMu guards the small set of plain fields below so that
	// terminateInternal/pulseAdminKill/State can be observed safely
	// even while some Ref holds holdCh — these escape-hatch callers
	// never take holdCh itself.
	stateMu      sync.Mutex
	state        State
	rootTerm     term.Node // non-nil only while state == StateStart
	stream       stream.Producer
	hasSentBatch bool

	// Concurrency plumbing.
	drainer               *drainer.Drainer
	persistentInterruptor interrupt.Signal
}

// newEntry constructs an Entry in state START for a freshly compiled
// term. The hold token starts present (unlocked); Ref acquisition is
// what takes it.
func newEntry(storage *term.Storage, optargs *term.Optargs, noreply, profile bool, clientAddr string) *Entry {
	e := &Entry{
		JobID:      uuid.NewString(),
		Noreply:    noreply,
		Profile:    profile,
		StartTime:  time.Now(),
		ClientAddr: clientAddr,
		storage:    storage,
		optargs:    optargs,
		state:      StateStart,
		rootTerm:   storage.Root,
		drainer:    drainer.New(),
		holdCh:     make(chan struct{}, 1),
	}
	e.holdCh <- struct{}{}
	return e
}

// State returns the entry's current state. Safe for concurrent use; may
// be called without holding the entry lock (used by admin enumeration
// and tests).
func (e *Entry) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// terminateInternal moves a live entry to DONE (if not already past
// START/STREAM) and then pulses the persistent interruptor. Idempotent:
// never transitions out of DONE/DELETING. This is the path used by a
// client STOP and by in-evaluation failures — by the time the
// interruptor fires, state is already DONE, which is exactly how
// fill_response distinguishes a client-initiated stop from an
// admin-table kill.
func (e *Entry) terminateInternal() {
	e.stateMu.Lock()
	if e.state == StateStart || e.state == StateStream {
		e.state = StateDone
	}
	e.stateMu.Unlock()
	e.persistentInterruptor.Pulse()
}

// pulseAdminKill fires the persistent interruptor directly, without
// first marking the entry DONE. This is the admin jobs table's kill
// path: because it does not touch state, an evaluation that observes
// the interruptor still sees state != DONE, which is precisely what
// lets fill_response tell an admin kill apart from a client STOP.
func (e *Entry) pulseAdminKill() {
	e.persistentInterruptor.Pulse()
}
