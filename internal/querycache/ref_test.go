package querycache

import (
	"errors"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/querycache/internal/eval"
	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/stream"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// blockingProducer simulates a continuation whose batch pull is still
// in flight (e.g. waiting on a storage engine) so tests can exercise
// the real serve()-observes-the-composite-interruptor path rather than
// calling handleError directly.
type blockingProducer struct{ entered chan struct{} }

func (p *blockingProducer) Next(kind stream.BatchKind, size int, done <-chan struct{}) (stream.Batch, bool, error) {
	close(p.entered)
	<-done
	return stream.Batch{}, false, stream.ErrInterrupted
}

func (p *blockingProducer) Close() error                { return nil }
func (p *blockingProducer) CfeedType() stream.CfeedType { return stream.NotFeed }
func (p *blockingProducer) Notes() []string             { return nil }

func newTestRef(t *testing.T, c *QueryCache, token int64, raw term.Raw, external *interrupt.Signal) *Ref {
	t.Helper()
	return newTestRefWithOptargs(t, c, token, raw, nil, external)
}

func newTestRefWithOptargs(t *testing.T, c *QueryCache, token int64, raw term.Raw, optargs map[string]interface{}, external *interrupt.Signal) *Ref {
	t.Helper()
	if err := c.Create(token, raw, optargs, false, false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	ref, err := c.Get(token, external)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	return ref
}

func TestFillResponseAtom(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, constRaw(4), &external)

	var res Response
	if err := ref.FillResponse(&res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Type != SuccessAtom || res.Data != 4.0 {
		t.Fatalf("unexpected response: %+v", res)
	}
	if ref.entry.State() != StateDone {
		t.Fatalf("expected DONE after an atom result, got %v", ref.entry.State())
	}
	ref.Drop()
}

func TestFillResponseStreamAcrossContinuations(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRefWithOptargs(t, c, 1, rangeRaw(20), map[string]interface{}{"batch_size": float64(5)}, &external)

	var first Response
	if err := ref.FillResponse(&first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Type != SuccessPartial {
		t.Fatalf("expected a partial response for the first batch of a large range, got %v", first.Type)
	}
	if ref.entry.State() != StateStream {
		t.Fatalf("expected STREAM after a partial batch, got %v", ref.entry.State())
	}
	ref.Drop()

	for {
		ref, err := c.Get(1, &external)
		if err != nil {
			t.Fatalf("continue get failed: %v", err)
		}
		var res Response
		if err := ref.FillResponse(&res); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ref.Drop()
		if res.Type == SuccessSequence {
			break
		}
		if res.Type != SuccessPartial {
			t.Fatalf("expected partial or sequence, got %v", res.Type)
		}
	}
}

func TestFillResponseClientStopMidStreamYieldsCleanSequence(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, rangeRaw(1), &external)

	blocker := &blockingProducer{entered: make(chan struct{})}
	ref.entry.stream = blocker
	ref.entry.hasSentBatch = true
	ref.entry.setState(StateStream)

	done := make(chan error, 1)
	go func() {
		var res Response
		err := ref.FillResponse(&res)
		if err == nil && res.Type != SuccessSequence {
			t.Errorf("expected SUCCESS_SEQUENCE, got %v", res.Type)
		}
		done <- err
	}()

	select {
	case <-blocker.entered:
	case <-time.After(time.Second):
		t.Fatal("serve never reached the blocking producer")
	}

	ref.entry.terminateInternal()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean (nil) error for a client stop mid-stream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FillResponse did not observe the client stop")
	}
	ref.Drop()
}

func TestFillResponseAdminKillMidStreamYieldsRuntimeError(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, rangeRaw(1), &external)

	blocker := &blockingProducer{entered: make(chan struct{})}
	ref.entry.stream = blocker
	ref.entry.hasSentBatch = true
	ref.entry.setState(StateStream)

	done := make(chan error, 1)
	go func() {
		var res Response
		done <- ref.FillResponse(&res)
	}()

	select {
	case <-blocker.entered:
	case <-time.After(time.Second):
		t.Fatal("serve never reached the blocking producer")
	}

	ref.entry.pulseAdminKill()

	select {
	case err := <-done:
		be, ok := err.(*BacktraceException)
		if !ok || be.Kind != RuntimeErrorType {
			t.Fatalf("expected a RUNTIME_ERROR, got %#v", err)
		}
		if be.Message != AdminKilledMessage {
			t.Fatalf("expected the admin-kill message, got %q", be.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("FillResponse did not observe the admin kill")
	}
	ref.Drop()
}

func TestFillResponseDuplicateTokenOnAlreadyDoneEntry(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, constRaw(1), &external)

	var res Response
	if err := ref.FillResponse(&res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Entry is DONE but this Ref has not been dropped yet; a second
	// FillResponse on the same (already-finished) entry must report
	// the duplicate-token client error rather than re-evaluating.
	var again Response
	err := ref.FillResponse(&again)
	if err == nil {
		t.Fatal("expected a duplicate-token error")
	}
	be, ok := err.(*BacktraceException)
	if !ok || be.Kind != ClientErrorType {
		t.Fatalf("expected a CLIENT_ERROR, got %#v", err)
	}
	ref.Drop()
}

func TestHandleErrorAdminKillReportsRuntimeErrorWhileStreaming(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRefWithOptargs(t, c, 1, rangeRaw(20), map[string]interface{}{"batch_size": float64(5)}, &external)

	var first Response
	if err := ref.FillResponse(&first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.entry.State() != StateStream {
		t.Fatalf("expected STREAM, got %v", ref.entry.State())
	}

	ref.entry.pulseAdminKill()

	var res Response
	err := ref.handleError(eval.Interrupted{}, &res)
	be, ok := err.(*BacktraceException)
	if !ok || be.Kind != RuntimeErrorType {
		t.Fatalf("expected a RUNTIME_ERROR, got %#v", err)
	}
	if be.Message != AdminKilledMessage {
		t.Fatalf("expected the admin-kill message, got %q", be.Message)
	}
	ref.Drop()
}

func TestHandleErrorClientStopYieldsCleanSequence(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, rangeRaw(20), &external)

	var first Response
	if err := ref.FillResponse(&first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ref.entry.terminateInternal() // state -> DONE, persistent interruptor pulsed

	var res Response
	err := ref.handleError(eval.Interrupted{}, &res)
	if err != nil {
		t.Fatalf("expected a clean (nil) error for a client stop, got %v", err)
	}
	if res.Type != SuccessSequence {
		t.Fatalf("expected SUCCESS_SEQUENCE, got %v", res.Type)
	}
	ref.Drop()
}

type fakeBacktraceErr struct{ bt term.Backtrace }

func (e fakeBacktraceErr) Error() string             { return "boom" }
func (e fakeBacktraceErr) Backtrace() term.Backtrace { return e.bt }

func TestHandleErrorGenericFailureTerminatesAndCarriesBacktrace(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, constRaw(1), &external)

	bt := term.Backtrace{Path: []int{2}}
	var res Response
	err := ref.handleError(fakeBacktraceErr{bt: bt}, &res)
	be, ok := err.(*BacktraceException)
	if !ok || be.Kind != RuntimeErrorType {
		t.Fatalf("expected a RUNTIME_ERROR, got %#v", err)
	}
	if be.Message != "boom" {
		t.Fatalf("expected message %q, got %q", "boom", be.Message)
	}
	if len(be.Backtrace.Path) != 1 || be.Backtrace.Path[0] != 2 {
		t.Fatalf("expected the backtrace to be preserved, got %+v", be.Backtrace)
	}
	if ref.entry.State() != StateDone {
		t.Fatalf("expected terminateInternal to move state to DONE, got %v", ref.entry.State())
	}
	ref.Drop()
}

func TestDropPanicsOnStartState(t *testing.T) {
	c := New("127.0.0.1:1")
	var external interrupt.Signal
	ref := newTestRef(t, c, 1, constRaw(1), &external)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Drop to panic when the entry is still in START")
		}
	}()
	ref.Drop()
}

func TestGetAcquisitionInterruptedByExternalSignal(t *testing.T) {
	c := New("127.0.0.1:1")
	if err := c.Create(1, constRaw(1), nil, false, false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var blocker interrupt.Signal
	held, err := c.Get(1, &blocker)
	if err != nil {
		t.Fatalf("unexpected error acquiring the first ref: %v", err)
	}

	var waiter interrupt.Signal
	waiter.Pulse()
	if _, err := c.Get(1, &waiter); !errors.Is(err, ErrAcquireInterrupted) {
		t.Fatalf("expected ErrAcquireInterrupted, got %v", err)
	}

	var res Response
	_ = held.FillResponse(&res)
	held.Drop()
}
