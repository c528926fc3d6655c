package wire

import "encoding/json"

// ConnMeta identifies the connection a query is running against. It
// survives from the original CRUD protocol's RequestMeta, trimmed to
// the fields a query-cache request still needs: which database the
// term tree should be evaluated against.
type ConnMeta struct {
	Database string `json:"db,omitempty"` // empty when omitted; no default name is substituted
}

// QueryStartRequest (OpQueryStart). Begins a new token; the server
// compiles Query and inserts an entry in state START.
type QueryStartRequest struct {
	ConnMeta
	Token         int64                  `json:"token"`
	Query         json.RawMessage        `json:"query"`
	GlobalOptargs map[string]interface{} `json:"global_optargs,omitempty"`
	Noreply       bool                   `json:"noreply,omitempty"`
	Profile       bool                   `json:"profile,omitempty"`
}

// QueryContinueRequest (OpQueryContinue). Requests the next batch for
// an existing streaming token.
type QueryContinueRequest struct {
	Token int64 `json:"token"`
}

// QueryStopRequest (OpQueryStop). Client-initiated cancellation of a
// token; the server acknowledges with a SUCCESS_SEQUENCE right after
// marking the token stopped, without waiting for an in-flight
// evaluation. That evaluation's own reply is then a clean, empty
// SUCCESS_SEQUENCE.
type QueryStopRequest struct {
	Token int64 `json:"token"`
}

// QueryNoreplyWaitRequest (OpQueryNoreplyWait). Token is the id this
// particular wait request is itself routed under, so its reply can be
// correlated like any other.
type QueryNoreplyWaitRequest struct {
	Token int64 `json:"token"`
}

// QueryReply (OpQueryReply or OpError). The wire form of a
// querycache.Response plus the token it answers and, on a
// COMPILE_ERROR/RUNTIME_ERROR, the backtrace path into the original
// term tree.
type QueryReply struct {
	Token     int64       `json:"token"`
	Type      string      `json:"t"`
	Data      interface{} `json:"r,omitempty"`
	Notes     []string    `json:"n,omitempty"`
	Profile   interface{} `json:"p,omitempty"`
	Backtrace []int       `json:"b,omitempty"`
	Error     string      `json:"e,omitempty"`
}

// -- Admin Types --

// AdminListJobsRequest (OpAdminListJobs). No fields: lists every live
// job across every connection; the requesting user needs the admin
// permission.
type AdminListJobsRequest struct{}

// JobRow is one admin-visible job.
type JobRow struct {
	ConnID      string `json:"conn_id"`
	Token       int64  `json:"token"`
	JobID       string `json:"job_id"`
	State       string `json:"state"`
	ClientAddr  string `json:"client_addr"`
	StartedUnix int64  `json:"started_unix"`
}

// AdminListJobsReply (OpQueryReply, carried as Data).
type AdminListJobsReply struct {
	Jobs []JobRow `json:"jobs"`
}

// AdminKillRequest (OpAdminKill). Predicate is a CEL boolean expression
// evaluated against each job (see internal/admin.KillEngine); every job
// it selects is killed via pulseAdminKill, not terminateInternal.
type AdminKillRequest struct {
	Predicate string `json:"predicate"`
}

// AdminKillReply (OpQueryReply, carried as Data).
type AdminKillReply struct {
	Killed int `json:"killed"`
}

// -- Authentication Types --

// AuthRequest (OpAuth Client -> Server)
// Step 1: Connect(User) -> Server Challenge matches
// Step 3: ClientProof -> Server Verifies
type AuthRequest struct {
	ConnMeta
	Step     int    `json:"step"` // 1=Connect, 2=Proof
	Username string `json:"username,omitempty"`
	Proof    string `json:"proof,omitempty"`
}

// AuthChallenge (OpAuthReply Server -> Client)
// Step 2: Server sends Salt + Iters
type AuthChallenge struct {
	Salt       string `json:"salt"`
	Iterations int    `json:"iters"`
	ServerKey  string `json:"server_key,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}
