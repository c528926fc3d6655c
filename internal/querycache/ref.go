package querycache

import (
	"errors"
	"fmt"

	"github.com/kartikbazzad/bunbase/querycache/internal/drainer"
	"github.com/kartikbazzad/bunbase/querycache/internal/eval"
	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/stream"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// ErrAcquireInterrupted is returned by newRef when the external
// interruptor fires before the entry's lock could be acquired. The
// partial Ref is discarded without any state change to the Entry.
var ErrAcquireInterrupted = errors.New("query cache: acquisition interrupted")

// errExternalInterrupted is returned by FillResponse when the caller's
// own per-request interruptor (not the entry's persistent one) fired
// during evaluation. The caller is expected to be going away (e.g. the
// connection closed or the request deadline expired) so no wire
// response needs to be synthesized for it.
var errExternalInterrupted = errors.New("query cache: request interrupted")

// backtracer is implemented by evaluation errors that can resolve
// themselves back to a source position.
type backtracer interface {
	Backtrace() term.Backtrace
}

// Ref is a scoped, single-holder handle onto an Entry. While a Ref is
// held, the entry's lock is held for its entire lifetime: no other Ref
// on the same Entry can observe intermediate state.
type Ref struct {
	cache       *QueryCache
	token       int64
	entry       *Entry
	external    *interrupt.Signal
	composite   *interrupt.Composite
	drainerLock *drainer.Lock
	released    bool
}

// newRef constructs a Ref bound to entry, suspending until the entry's
// lock is acquired or external fires first.
func newRef(cache *QueryCache, token int64, entry *Entry, external *interrupt.Signal) (*Ref, error) {
	lock, ok := entry.drainer.TryEnter()
	if !ok {
		return nil, fmt.Errorf("query cache: entry for token %d is already draining", token)
	}

	composite := interrupt.NewComposite(external, &entry.persistentInterruptor)

	select {
	case <-entry.holdCh:
		// Acquired first.
	case <-external.Done():
		lock.Release()
		return nil, ErrAcquireInterrupted
	}

	return &Ref{
		cache:       cache,
		token:       token,
		entry:       entry,
		external:    external,
		composite:   composite,
		drainerLock: lock,
	}, nil
}

// FillResponse advances the entry's state machine and populates res,
// per the run/serve/terminal-classification flow.
func (r *Ref) FillResponse(res *Response) error {
	e := r.entry
	st := e.State()
	if st != StateStart && st != StateStream {
		return ClientError("duplicate token %d", r.token)
	}

	env := &eval.Env{Optargs: e.optargs, Interruptor: r.composite}

	err := r.run(env, res)
	if err == nil && e.State() == StateStream {
		err = r.serve(env, res)
	}

	if err != nil {
		return r.handleError(err, res)
	}

	if e.Profile {
		res.Profile = map[string]interface{}{"note": "profiling not modeled"}
	}
	return nil
}

// run implements the first-evaluation half of FillResponse: pre-set
// DONE, evaluate the root term, and dispatch on the result kind.
func (r *Ref) run(env *eval.Env, res *Response) error {
	e := r.entry
	if e.State() != StateStart {
		return nil
	}

	root := e.rootTerm
	e.setState(StateDone) // safe default if evaluation yields a non-stream value

	result, err := eval.Run(env, root)
	e.rootTerm = nil // root_term is cleared after first evaluation regardless of outcome
	if err != nil {
		return err
	}

	switch result.Kind {
	case eval.ResultAtom:
		res.Type = SuccessAtom
		res.Data = result.Datum
	case eval.ResultStream:
		e.stream = result.Stream
		e.hasSentBatch = false
		e.setState(StateStream)
	}
	return nil
}

// serve implements the continuation half: pull one batch from the
// entry's stream and classify the response as partial/sequence, then
// annotate it per change-feed category.
func (r *Ref) serve(env *eval.Env, res *Response) error {
	e := r.entry

	kind := stream.Normal
	if !e.hasSentBatch {
		kind = stream.NormalFirst
	}

	batch, exhausted, err := e.stream.Next(kind, env.Optargs.BatchSize, env.Interruptor.Done())
	if err != nil {
		if errors.Is(err, stream.ErrInterrupted) {
			return eval.Interrupted{}
		}
		return err
	}
	e.hasSentBatch = true
	res.Data = batch.Items

	if exhausted || e.Noreply {
		e.setState(StateDone)
		res.Type = SuccessSequence
	} else {
		res.Type = SuccessPartial
	}

	switch e.stream.CfeedType() {
	case stream.NotFeed:
		if len(batch.Items) == 0 {
			res.Type = SuccessSequence
		}
	case stream.Feed:
		res.Notes = append(res.Notes, NoteSequenceFeed)
	case stream.PointFeed:
		res.Notes = append(res.Notes, NoteAtomFeed)
	case stream.OrderByLimit:
		res.Notes = append(res.Notes, NoteOrderByLimit)
	case stream.UnionedFeed:
		res.Notes = append(res.Notes, NoteUnionedFeed)
	}

	for _, n := range e.stream.Notes() {
		res.Notes = append(res.Notes, Note(n))
	}
	return nil
}

// handleError implements FillResponse's three-arm exception dispatch.
func (r *Ref) handleError(err error, res *Response) error {
	e := r.entry

	if _, ok := err.(eval.Interrupted); ok {
		if e.persistentInterruptor.Pulsed() {
			if e.State() != StateDone {
				return RuntimeError(AdminKilledMessage, term.Backtrace{})
			}
			// Client-initiated stop: acknowledge cleanly with an
			// empty final batch for backward compatibility.
			res.Data = nil
			res.Notes = nil
			res.Profile = nil
			res.Type = SuccessSequence
			return nil
		}
		e.terminateInternal()
		return errExternalInterrupted
	}

	e.terminateInternal()
	if bt, ok := err.(backtracer); ok {
		return RuntimeError(err.Error(), bt.Backtrace())
	}
	return RuntimeError(err.Error(), term.Backtrace{})
}

// setState sets the entry's state under stateMu. It is a method on
// Entry, defined here next to its callers.
func (e *Entry) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Drop releases the Ref. Per the contract: an entry must never be
// observed in START at drop time; if DONE, the entry transitions to
// DELETING, is unlinked from the cache, and its disposal is deferred
// until the drainer quiesces. If STREAM or DELETING, Drop just releases
// the drainer count and the lock.
func (r *Ref) Drop() {
	if r.released {
		return
	}
	r.released = true
	e := r.entry

	st := e.State()
	if st == StateStart {
		panic("query cache: entry observed in START at Ref drop")
	}

	if st == StateDone {
		e.setState(StateDeleting)
		r.cache.remove(r.token)
		// Release this Ref's own drainer count now; hand the orphaned
		// entry to an async disposer that waits for every Ref
		// (including ones still in flight) to quiesce before the
		// entry is actually freed. Disposal must not run on this
		// goroutine: it may need to block, and Drop can run during
		// exception unwind where suspension is not an option.
		r.drainerLock.Release()
		go disposeEntry(e)
	} else {
		r.drainerLock.Release()
	}

	entryHold := e.holdCh
	entryHold <- struct{}{}
}

// disposeEntry waits for every live Ref against e (including the one
// that triggered removal, already released by the time this runs) to
// drain, then closes e's stream (if it has one) and lets e become
// eligible for garbage collection. Entry holds no OS resources
// directly, so the stream is the only thing closed explicitly.
func disposeEntry(e *Entry) {
	e.drainer.Close()
	if e.stream != nil {
		_ = e.stream.Close()
	}
}
