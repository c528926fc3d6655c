package querycache

import (
	"testing"

	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

func mustEntry(t *testing.T, raw term.Raw) *Entry {
	t.Helper()
	storage, err := term.Preprocess(raw)
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	if err := term.NewCompileEnv().Compile(storage); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	optargs, err := term.CompileOptargs(nil)
	if err != nil {
		t.Fatalf("compile optargs failed: %v", err)
	}
	return newEntry(storage, optargs, false, false, "127.0.0.1:1234")
}

func TestNewEntryStartsInStart(t *testing.T) {
	e := mustEntry(t, term.Raw{Op: term.KindConst, Num: 1})
	if e.State() != StateStart {
		t.Fatalf("expected START, got %v", e.State())
	}
	if e.JobID == "" {
		t.Fatal("expected a non-empty job id")
	}
}

func TestTerminateInternalMovesStartToDone(t *testing.T) {
	e := mustEntry(t, term.Raw{Op: term.KindConst, Num: 1})
	e.terminateInternal()
	if e.State() != StateDone {
		t.Fatalf("expected DONE, got %v", e.State())
	}
	if !e.persistentInterruptor.Pulsed() {
		t.Fatal("expected the persistent interruptor to have fired")
	}
}

func TestTerminateInternalIsIdempotent(t *testing.T) {
	e := mustEntry(t, term.Raw{Op: term.KindConst, Num: 1})
	e.terminateInternal()
	e.terminateInternal() // must not panic
	if e.State() != StateDone {
		t.Fatalf("expected DONE, got %v", e.State())
	}
}

func TestTerminateInternalNeverRegressesFromDeleting(t *testing.T) {
	e := mustEntry(t, term.Raw{Op: term.KindConst, Num: 1})
	e.setState(StateDeleting)
	e.terminateInternal()
	if e.State() != StateDeleting {
		t.Fatalf("expected state to remain DELETING, got %v", e.State())
	}
}

func TestPulseAdminKillDoesNotChangeState(t *testing.T) {
	e := mustEntry(t, term.Raw{Op: term.KindConst, Num: 1})
	e.pulseAdminKill()
	if e.State() != StateStart {
		t.Fatalf("expected state to remain START, got %v", e.State())
	}
	if !e.persistentInterruptor.Pulsed() {
		t.Fatal("expected the persistent interruptor to have fired")
	}
}
