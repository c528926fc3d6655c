// Package querycache is the per-connection coordination layer between
// the wire protocol and the term evaluator: it owns one token-keyed
// table of in-flight queries, serializes access to each, and arbitrates
// between client-driven continuation/stop and admin-table kill.
package querycache

import (
	"fmt"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/querycache/internal/idtracker"
	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// JobInfo is the diagnostic snapshot of one live entry surfaced to the
// admin jobs table.
type JobInfo struct {
	Token      int64
	JobID      string
	State      string
	ClientAddr string
	StartTime  time.Time
}

// QueryCache is one connection's table of live query tokens. The zero
// value is not usable; construct with New.
type QueryCache struct {
	clientAddr string

	mu      sync.Mutex
	entries map[int64]*Entry

	ids *idtracker.Tracker
}

// New returns an empty QueryCache for a connection identified by
// clientAddr (used only for diagnostics/admin enumeration).
func New(clientAddr string) *QueryCache {
	return &QueryCache{
		clientAddr: clientAddr,
		entries:    make(map[int64]*Entry),
		ids:        idtracker.New(),
	}
}

// IssueQueryID hands out the next monotonic id for a query about to be
// routed to this cache, so NOREPLY_WAIT has a barrier to wait on even
// before the query's token is known to be unique.
func (c *QueryCache) IssueQueryID() uint64 { return c.ids.Issue() }

// ReleaseQueryID marks a previously issued id as no longer outstanding.
// Must be called exactly once per IssueQueryID, regardless of whether
// the query that id was issued for succeeded, failed to parse, or
// turned out to be a duplicate token.
func (c *QueryCache) ReleaseQueryID(id uint64) { c.ids.Release(id) }

// Create compiles raw into a new Entry and inserts it under token. It
// fails with a CLIENT_ERROR-shaped error if token is already in use, or
// a COMPILE_ERROR-shaped error if compilation fails. On success, the
// entry starts in state START.
func (c *QueryCache) Create(token int64, raw term.Raw, rawOptargs map[string]interface{}, noreply, profile bool) error {
	c.mu.Lock()
	if _, exists := c.entries[token]; exists {
		c.mu.Unlock()
		return ClientError("duplicate token %d", token)
	}
	c.mu.Unlock()

	optargs, err := term.CompileOptargs(rawOptargs)
	if err != nil {
		if ce, ok := err.(*term.CompileError); ok {
			return NewCompileError(ce)
		}
		return NewCompileError(&term.CompileError{Message: err.Error()})
	}

	storage, err := term.Preprocess(raw)
	if err != nil {
		if ce, ok := err.(*term.CompileError); ok {
			return NewCompileError(ce)
		}
		return NewCompileError(&term.CompileError{Message: err.Error()})
	}

	if err := term.NewCompileEnv().Compile(storage); err != nil {
		if ce, ok := err.(*term.CompileError); ok {
			return NewCompileError(ce)
		}
		return NewCompileError(&term.CompileError{Message: err.Error()})
	}

	entry := newEntry(storage, optargs, noreply, profile, c.clientAddr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[token]; exists {
		return ClientError("duplicate token %d", token)
	}
	c.entries[token] = entry
	return nil
}

// Get acquires a Ref onto the entry for token, suspending until the
// entry's lock is free or external fires first. It fails with a
// CLIENT_ERROR-shaped error if token names no live entry.
func (c *QueryCache) Get(token int64, external *interrupt.Signal) (*Ref, error) {
	c.mu.Lock()
	entry, ok := c.entries[token]
	c.mu.Unlock()
	if !ok {
		return nil, ClientError("token %d not in stream cache", token)
	}

	ref, err := newRef(c, token, entry, external)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// remove unlinks token from the live table. Called by Ref.Drop once an
// entry reaches DELETING; never called directly by clients.
func (c *QueryCache) remove(token int64) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

// Terminate stops token's entry if it is still live: START/STREAM move
// to DONE and the entry's persistent interruptor fires, which any Ref
// currently evaluating it will observe as a client-initiated stop. It
// is not an error to terminate a token that no longer exists or has
// already finished (mirrors a client racing its own STOP against the
// final reply).
func (c *QueryCache) Terminate(token int64) {
	c.mu.Lock()
	entry, ok := c.entries[token]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.terminateInternal()
}

// AdminKill fires token's persistent interruptor without marking it
// DONE first, so that an evaluation in flight reports the admin-kill
// RUNTIME_ERROR rather than a clean SUCCESS_SEQUENCE. No-op if token is
// unknown.
func (c *QueryCache) AdminKill(token int64) {
	c.mu.Lock()
	entry, ok := c.entries[token]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.pulseAdminKill()
}

// NoreplyWait blocks until every query routed to this connection ahead
// of waitID has been fully handled (its id released back to the
// tracker), or until external fires first. waitID is normally the id
// IssueQueryID returned for the NOREPLY_WAIT request itself. token is
// the wire token the NOREPLY_WAIT request itself was sent under; it
// must fail fast with a duplicate-token CLIENT_ERROR if that token
// already names a live entry, the same check Create applies to every
// other query, rather than blocking on a token that can never be used.
func (c *QueryCache) NoreplyWait(token int64, waitID uint64, external *interrupt.Signal) error {
	c.mu.Lock()
	_, exists := c.entries[token]
	c.mu.Unlock()
	if exists {
		return ClientError("duplicate token %d", token)
	}

	if c.ids.WaitUntilOldest(waitID, external.Done()) {
		return fmt.Errorf("query cache: NOREPLY_WAIT interrupted")
	}
	return nil
}

// Jobs returns a diagnostic snapshot of every live token on this
// connection, for the admin jobs table to enumerate across
// connections.
func (c *QueryCache) Jobs() []JobInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := make([]JobInfo, 0, len(c.entries))
	for token, e := range c.entries {
		jobs = append(jobs, JobInfo{
			Token:      token,
			JobID:      e.JobID,
			State:      e.State().String(),
			ClientAddr: e.ClientAddr,
			StartTime:  e.StartTime,
		})
	}
	return jobs
}

// KillByJobID fires the persistent interruptor for the entry whose
// JobID matches id, reporting whether a matching live entry was found.
func (c *QueryCache) KillByJobID(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.JobID == id {
			e.pulseAdminKill()
			return true
		}
	}
	return false
}
