// Package admin implements the cross-connection view onto every live
// query token, the Go analogue of the rethinkdb.jobs system table: list
// every in-flight query across all connections and kill the ones a
// predicate selects.
package admin

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/kartikbazzad/bunbase/querycache/internal/querycache"
)

// killer is the subset of *querycache.QueryCache the jobs table needs;
// named so tests can substitute a fake.
type killer interface {
	Jobs() []querycache.JobInfo
	KillByJobID(id string) bool
}

// Registry tracks every connection's QueryCache so jobs can be
// enumerated and killed without either side knowing about the other
// directly.
type Registry struct {
	mu    sync.Mutex
	conns map[string]killer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]killer)}
}

// Register adds a connection's cache under connID, replacing any
// previous entry for the same id.
func (r *Registry) Register(connID string, qc killer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = qc
}

// Unregister removes a connection, normally called when it closes.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Job is one row of the admin view: a JobInfo plus the connection it
// belongs to.
type Job struct {
	ConnID string
	querycache.JobInfo
}

// List returns every live job across every registered connection.
func (r *Registry) List() []Job {
	r.mu.Lock()
	snapshot := make(map[string]killer, len(r.conns))
	for id, qc := range r.conns {
		snapshot[id] = qc
	}
	r.mu.Unlock()

	var jobs []Job
	for connID, qc := range snapshot {
		for _, info := range qc.Jobs() {
			jobs = append(jobs, Job{ConnID: connID, JobInfo: info})
		}
	}
	return jobs
}

// KillEngine compiles and evaluates a CEL boolean predicate over a
// Job's fields, the same pattern used to evaluate access-control rules
// against a request context, here repurposed to select which jobs an
// admin's `r.db("rethinkdb").table("jobs").filter(pred).delete()`-style
// call should terminate.
type KillEngine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewKillEngine returns a KillEngine whose predicates see a single
// `job` variable with the fields of Job (as a string-keyed map).
func NewKillEngine() (*KillEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("job", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}
	return &KillEngine{env: env}, nil
}

func (k *KillEngine) program(expression string) (cel.Program, error) {
	if val, ok := k.prgCache.Load(expression); ok {
		return val.(cel.Program), nil
	}
	ast, issues := k.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("admin kill predicate compile error: %s", issues.Err())
	}
	prg, err := k.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("admin kill predicate program error: %s", err)
	}
	k.prgCache.Store(expression, prg)
	return prg, nil
}

// matches evaluates expression against job, returning false (not an
// error) if the predicate is empty, mirroring the access-rule engine's
// default-deny-on-empty convention inverted into default-spare-on-empty
// here since an empty kill predicate selecting everything would be a
// footgun for an admin tool.
func (k *KillEngine) matches(expression string, job Job) (bool, error) {
	if expression == "" {
		return false, nil
	}

	prg, err := k.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"job": map[string]interface{}{
			"conn_id":     job.ConnID,
			"token":       job.Token,
			"job_id":      job.JobID,
			"state":       job.State,
			"client_addr": job.ClientAddr,
			"start_time":  job.StartTime.Unix(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("admin kill predicate eval error: %s", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("admin kill predicate must return a boolean")
	}
	return result, nil
}

// Kill evaluates expression against every live job and fires the
// persistent interruptor (via pulseAdminKill, never terminateInternal)
// on each match, returning how many jobs it selected.
func (r *Registry) Kill(engine *KillEngine, expression string) (killed int, err error) {
	r.mu.Lock()
	snapshot := make(map[string]killer, len(r.conns))
	for id, qc := range r.conns {
		snapshot[id] = qc
	}
	r.mu.Unlock()

	for connID, qc := range snapshot {
		for _, info := range qc.Jobs() {
			job := Job{ConnID: connID, JobInfo: info}
			ok, merr := engine.matches(expression, job)
			if merr != nil {
				return killed, merr
			}
			if ok && qc.KillByJobID(info.JobID) {
				killed++
			}
		}
	}
	return killed, nil
}
