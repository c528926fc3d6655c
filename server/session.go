package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/querycache/internal/interrupt"
	"github.com/kartikbazzad/bunbase/querycache/internal/querycache"
	"github.com/kartikbazzad/bunbase/querycache/internal/term"
	"github.com/kartikbazzad/bunbase/querycache/security"
	"github.com/kartikbazzad/bunbase/querycache/wire"
)

// session holds one connection's state: its identity, its query cache,
// and the plumbing shared with TCPServer for auth/limits/admin.
type session struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex

	user  *security.User
	cache *querycache.QueryCache

	// closed fires once the connection's read loop exits, so any
	// fill_response still executing on a background goroutine can
	// observe the disconnect as its external interruptor.
	closed interrupt.Signal

	inflight sync.WaitGroup

	srv *TCPServer
}

func (s *TCPServer) newSession(conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:    id,
		conn:  conn,
		cache: querycache.New(conn.RemoteAddr().String()),
		srv:   s,
	}
}

func (s *session) handle() {
	defer s.teardown()
	s.srv.registry.Register(s.id, s.cache)

	for {
		header, err := wire.ReadHeader(s.conn)
		if err != nil {
			if err != io.EOF {
				slog.Debug("read header failed", "conn", s.id, "err", err)
			}
			return
		}

		if err := s.dispatch(header); err != nil {
			slog.Debug("dispatch failed", "conn", s.id, "opcode", header.OpCode, "err", err)
			return
		}
	}
}

func (s *session) teardown() {
	s.closed.Pulse()
	s.inflight.Wait()
	s.srv.registry.Unregister(s.id)
	s.srv.limiter.Forget(s.id)
	s.conn.Close()
}

// dispatch reads one message's body and, for request kinds that may
// block on a streaming fill_response, spawns a goroutine so a
// subsequently-read QUERY_STOP can still reach the entry. Auth and
// malformed-body handling happen synchronously since they never block.
func (s *session) dispatch(header wire.Header) error {
	switch header.OpCode {
	case wire.OpAuth:
		var req wire.AuthRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(0, "invalid auth body: "+err.Error())
			return nil
		}
		s.srv.handleAuth(s, req)
		return nil

	case wire.OpAdminListJobs:
		var req wire.AdminListJobsRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(0, "invalid body: "+err.Error())
			return nil
		}
		s.srv.handleAdminListJobs(s, 0)
		return nil

	case wire.OpAdminKill:
		var req wire.AdminKillRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(0, "invalid body: "+err.Error())
			return nil
		}
		s.srv.handleAdminKill(s, 0, req)
		return nil

	case wire.OpQueryStart:
		var req wire.QueryStartRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(req.Token, "invalid body: "+err.Error())
			return nil
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleStart(req)
		}()
		return nil

	case wire.OpQueryContinue:
		var req wire.QueryContinueRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(req.Token, "invalid body: "+err.Error())
			return nil
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleContinue(req)
		}()
		return nil

	case wire.OpQueryStop:
		var req wire.QueryStopRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(req.Token, "invalid body: "+err.Error())
			return nil
		}
		// Runs synchronously: terminateInternal only pulses a signal,
		// it never blocks.
		s.handleStop(req)
		return nil

	case wire.OpQueryNoreplyWait:
		var req wire.QueryNoreplyWaitRequest
		if err := wire.ReadBody(s.conn, header.Length, &req); err != nil {
			s.sendError(req.Token, "invalid body: "+err.Error())
			return nil
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleNoreplyWait(req)
		}()
		return nil

	default:
		io.CopyN(io.Discard, s.conn, int64(header.Length))
		s.sendError(0, fmt.Sprintf("unknown opcode: %d", header.OpCode))
		return nil
	}
}

func (s *session) requireAuth(token int64) bool {
	if s.user == nil {
		s.sendError(token, "unauthorized: authenticate first")
		return false
	}
	return true
}

func (s *session) handleStart(req wire.QueryStartRequest) {
	if !s.requireAuth(req.Token) {
		return
	}
	if !s.user.HasPermission(req.Database, security.PermRead) && !s.user.HasPermission(req.Database, security.PermWrite) {
		s.sendError(req.Token, "forbidden: missing read/write permission")
		return
	}

	if !s.srv.limiter.TryAcquire(s.id) {
		s.sendError(req.Token, "too many concurrently open queries on this connection")
		return
	}

	qid := s.cache.IssueQueryID()
	defer s.cache.ReleaseQueryID(qid)

	var raw term.Raw
	if err := json.Unmarshal(req.Query, &raw); err != nil {
		s.srv.limiter.Release(s.id)
		s.sendCompileError(req.Token, fmt.Sprintf("malformed query: %v", err), term.Backtrace{})
		return
	}

	if err := s.cache.Create(req.Token, raw, req.GlobalOptargs, req.Noreply, req.Profile); err != nil {
		s.srv.limiter.Release(s.id)
		s.sendException(req.Token, err)
		return
	}

	s.runAndReply(req.Token, req.Noreply)
}

func (s *session) handleContinue(req wire.QueryContinueRequest) {
	if !s.requireAuth(req.Token) {
		return
	}
	qid := s.cache.IssueQueryID()
	defer s.cache.ReleaseQueryID(qid)
	s.runAndReply(req.Token, false)
}

// runAndReply acquires a Ref, fills a response, releases the limiter
// slot if the entry just became terminal, and replies unless the
// request was noreply.
func (s *session) runAndReply(token int64, noreply bool) {
	ref, err := s.cache.Get(token, &s.closed)
	if err != nil {
		// A CLIENT_ERROR here means token names no live entry, so no
		// slot is held for it.
		if _, unknown := err.(*querycache.BacktraceException); !unknown {
			s.srv.limiter.Release(s.id)
		}
		s.sendException(token, err)
		return
	}
	defer ref.Drop()

	var res querycache.Response
	if err := ref.FillResponse(&res); err != nil {
		if isTerminalErr(err) {
			s.srv.limiter.Release(s.id)
		}
		if !noreply {
			s.sendException(token, err)
		}
		return
	}

	if isTerminalResponse(res.Type) {
		s.srv.limiter.Release(s.id)
	}
	if !noreply {
		s.sendResponse(token, res)
	}
}

func (s *session) handleStop(req wire.QueryStopRequest) {
	if !s.requireAuth(req.Token) {
		return
	}
	s.cache.Terminate(req.Token)
	s.sendResponse(req.Token, querycache.Response{Type: querycache.SuccessSequence})
}

func (s *session) handleNoreplyWait(req wire.QueryNoreplyWaitRequest) {
	if !s.requireAuth(req.Token) {
		return
	}
	qid := s.cache.IssueQueryID()
	if err := s.cache.NoreplyWait(req.Token, qid, &s.closed); err != nil {
		s.cache.ReleaseQueryID(qid)
		s.sendException(req.Token, err)
		return
	}
	s.cache.ReleaseQueryID(qid)
	s.sendResponse(req.Token, querycache.Response{Type: querycache.SuccessAtom, Data: true})
}

func isTerminalResponse(t querycache.ResponseType) bool {
	switch t {
	case querycache.SuccessAtom, querycache.SuccessSequence:
		return true
	default:
		return false
	}
}

func isTerminalErr(err error) bool {
	_, ok := err.(*querycache.BacktraceException)
	return ok
}

func (s *session) sendResponse(token int64, res querycache.Response) {
	notes := make([]string, 0, len(res.Notes))
	for _, n := range res.Notes {
		notes = append(notes, string(n))
	}
	s.writeMessage(wire.OpQueryReply, wire.QueryReply{
		Token:   token,
		Type:    string(res.Type),
		Data:    res.Data,
		Notes:   notes,
		Profile: res.Profile,
	})
}

func (s *session) sendException(token int64, err error) {
	if be, ok := err.(*querycache.BacktraceException); ok {
		s.writeMessage(wire.OpQueryReply, wire.QueryReply{
			Token:     token,
			Type:      string(be.Kind),
			Error:     be.Message,
			Backtrace: be.Backtrace.Path,
		})
		return
	}
	// Non-BacktraceException errors (e.g. errExternalInterrupted,
	// ErrAcquireInterrupted) mean the connection is going away; there
	// is no client left to answer.
}

func (s *session) sendCompileError(token int64, msg string, bt term.Backtrace) {
	s.writeMessage(wire.OpQueryReply, wire.QueryReply{
		Token:     token,
		Type:      string(querycache.CompileErrorType),
		Error:     msg,
		Backtrace: bt.Path,
	})
}

func (s *session) sendError(token int64, msg string) {
	s.writeMessage(wire.OpError, wire.QueryReply{Token: token, Error: msg})
}

func (s *session) writeMessage(op wire.OpCode, body interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteMessage(s.conn, op, body); err != nil {
		slog.Debug("write failed", "conn", s.id, "err", err)
	}
}
