package admin

import (
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/querycache/internal/querycache"
)

type fakeKiller struct {
	jobs   []querycache.JobInfo
	killed map[string]bool
}

func newFakeKiller(jobs ...querycache.JobInfo) *fakeKiller {
	return &fakeKiller{jobs: jobs, killed: make(map[string]bool)}
}

func (f *fakeKiller) Jobs() []querycache.JobInfo { return f.jobs }

func (f *fakeKiller) KillByJobID(id string) bool {
	for _, j := range f.jobs {
		if j.JobID == id {
			f.killed[id] = true
			return true
		}
	}
	return false
}

func TestRegistryListAggregatesAcrossConnections(t *testing.T) {
	r := NewRegistry()
	r.Register("conn-a", newFakeKiller(querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM"}))
	r.Register("conn-b", newFakeKiller(
		querycache.JobInfo{Token: 2, JobID: "b1", State: "START"},
		querycache.JobInfo{Token: 3, JobID: "b2", State: "DONE"},
	))

	jobs := r.List()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs across connections, got %d", len(jobs))
	}
}

func TestRegistryUnregisterRemovesConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("conn-a", newFakeKiller(querycache.JobInfo{Token: 1, JobID: "a1"}))
	r.Unregister("conn-a")
	if jobs := r.List(); len(jobs) != 0 {
		t.Fatalf("expected no jobs after unregister, got %d", len(jobs))
	}
}

func TestKillEngineEmptyPredicateSparesEverything(t *testing.T) {
	engine, err := NewKillEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRegistry()
	fk := newFakeKiller(querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM"})
	r.Register("conn-a", fk)

	killed, err := r.Kill(engine, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if killed != 0 {
		t.Fatalf("expected an empty predicate to kill nothing, got %d", killed)
	}
	if fk.killed["a1"] {
		t.Fatal("expected the job to survive an empty predicate")
	}
}

func TestKillEngineMatchesOnJobField(t *testing.T) {
	engine, err := NewKillEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRegistry()
	fk := newFakeKiller(
		querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM", StartTime: time.Unix(100, 0)},
		querycache.JobInfo{Token: 2, JobID: "a2", State: "START", StartTime: time.Unix(200, 0)},
	)
	r.Register("conn-a", fk)

	killed, err := r.Kill(engine, `job.state == "STREAM"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if killed != 1 {
		t.Fatalf("expected exactly 1 match, got %d", killed)
	}
	if !fk.killed["a1"] || fk.killed["a2"] {
		t.Fatalf("expected only a1 to be killed, got %+v", fk.killed)
	}
}

func TestKillEngineCompileErrorPropagates(t *testing.T) {
	engine, err := NewKillEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRegistry()
	r.Register("conn-a", newFakeKiller(querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM"}))

	if _, err := r.Kill(engine, "job.state ==="); err == nil {
		t.Fatal("expected a compile error for a malformed predicate")
	}
}

func TestKillEngineNonBooleanPredicateErrors(t *testing.T) {
	engine, err := NewKillEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewRegistry()
	r.Register("conn-a", newFakeKiller(querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM"}))

	if _, err := r.Kill(engine, `job.token`); err == nil {
		t.Fatal("expected an error for a non-boolean predicate result")
	}
}

func TestKillEngineCachesCompiledPrograms(t *testing.T) {
	engine, err := NewKillEngine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job := Job{ConnID: "conn-a", JobInfo: querycache.JobInfo{Token: 1, JobID: "a1", State: "STREAM"}}

	ok1, err := engine.matches(`job.state == "STREAM"`, job)
	if err != nil || !ok1 {
		t.Fatalf("expected a match on first evaluation, got ok=%v err=%v", ok1, err)
	}
	if _, cached := engine.prgCache.Load(`job.state == "STREAM"`); !cached {
		t.Fatal("expected the compiled program to be cached")
	}
	ok2, err := engine.matches(`job.state == "STREAM"`, job)
	if err != nil || !ok2 {
		t.Fatalf("expected a match on the cached evaluation, got ok=%v err=%v", ok2, err)
	}
}
