// Package server adapts the wire protocol and the per-connection query
// cache into a TCP frontend: one goroutine accepts connections, one
// goroutine per connection reads requests, and requests that may block
// on a streaming fill_response run on their own goroutine so a
// concurrently-arriving QUERY_STOP can still reach the entry.
package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kartikbazzad/bunbase/querycache/internal/admin"
	"github.com/kartikbazzad/bunbase/querycache/internal/limits"
	"github.com/kartikbazzad/bunbase/querycache/security"
	"github.com/kartikbazzad/bunbase/querycache/wire"
)

// TCPServer owns the listener and every live session.
type TCPServer struct {
	addr      string
	tlsConfig *tls.Config

	users      *security.UserManager
	audit      *security.AuditLogger
	limiter    *limits.ConcurrencyLimiter
	registry   *admin.Registry
	killEngine *admin.KillEngine

	ln   net.Listener
	wg   sync.WaitGroup
	quit chan struct{}
}

// Deps bundles TCPServer's collaborators so construction reads like the
// teacher's own NewTCPServer(addr, mgr, tlsCfg) call, generalized to the
// query cache's collaborator set.
type Deps struct {
	Users      *security.UserManager
	Audit      *security.AuditLogger
	Limiter    *limits.ConcurrencyLimiter
	Registry   *admin.Registry
	KillEngine *admin.KillEngine
}

// NewTCPServer returns a server listening on addr once Start is called.
func NewTCPServer(addr string, deps Deps, tlsCfg *tls.Config) *TCPServer {
	return &TCPServer{
		addr:       addr,
		tlsConfig:  tlsCfg,
		users:      deps.Users,
		audit:      deps.Audit,
		limiter:    deps.Limiter,
		registry:   deps.Registry,
		killEngine: deps.KillEngine,
		quit:       make(chan struct{}),
	}
}

func (s *TCPServer) Start() error {
	var ln net.Listener
	var err error

	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
		slog.Info("query cache server listening (tls)", "addr", s.addr)
	} else {
		ln, err = net.Listen("tcp", s.addr)
		slog.Info("query cache server listening", "addr", s.addr)
	}
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *TCPServer) Stop() error {
	close(s.quit)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := s.newSession(conn)
			sess.handle()
		}()
	}
}

// -- Auth --

func (s *TCPServer) handleAuth(sess *session, req wire.AuthRequest) {
	switch req.Step {
	case 1:
		creds, err := s.users.GetSCRAMCredentials(req.Username)
		if err != nil {
			sess.sendError(0, "auth failed: "+err.Error())
			return
		}
		sess.writeMessage(wire.OpAuthReply, wire.AuthChallenge{
			Salt:       creds.Salt,
			Iterations: creds.Iterations,
		})

	case 2:
		creds, err := s.users.GetSCRAMCredentials(req.Username)
		if err != nil {
			sess.sendError(0, "auth failed: user not found")
			return
		}

		const authMessage = "querycache-auth"
		if security.VerifyClientProof(creds.StoredKey, authMessage, req.Proof) {
			user, err := s.users.GetUser(req.Username)
			if err == nil {
				sess.user = user
			}
			if s.audit != nil {
				s.audit.Log(security.EventLoginSuccess, req.Username, sess.conn.RemoteAddr().String(), nil)
			}
			sess.writeMessage(wire.OpAuthReply, wire.AuthChallenge{
				ServerKey: creds.ServerKey,
				SessionID: sess.id,
			})
		} else {
			if s.audit != nil {
				s.audit.Log(security.EventLoginFailure, req.Username, sess.conn.RemoteAddr().String(),
					map[string]interface{}{"reason": "invalid_proof"})
			}
			sess.sendError(0, "authentication failed: invalid proof")
		}

	default:
		sess.sendError(0, "invalid auth step")
	}
}

// -- Admin --

func (s *TCPServer) handleAdminListJobs(sess *session, token int64) {
	if !sess.requireAuth(token) {
		return
	}
	if !sess.user.HasPermission("", security.PermAdmin) {
		sess.sendError(token, "forbidden: missing admin permission")
		return
	}

	jobs := s.registry.List()
	rows := make([]wire.JobRow, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, wire.JobRow{
			ConnID:      j.ConnID,
			Token:       j.Token,
			JobID:       j.JobID,
			State:       j.State,
			ClientAddr:  j.ClientAddr,
			StartedUnix: j.StartTime.Unix(),
		})
	}
	sess.writeMessage(wire.OpQueryReply, wire.QueryReply{
		Token: token,
		Type:  "SUCCESS_ATOM",
		Data:  wire.AdminListJobsReply{Jobs: rows},
	})
}

func (s *TCPServer) handleAdminKill(sess *session, token int64, req wire.AdminKillRequest) {
	if !sess.requireAuth(token) {
		return
	}
	if !sess.user.HasPermission("", security.PermAdmin) {
		sess.sendError(token, "forbidden: missing admin permission")
		return
	}

	killed, err := s.registry.Kill(s.killEngine, req.Predicate)
	if err != nil {
		sess.sendError(token, fmt.Sprintf("kill predicate error: %v", err))
		return
	}
	if s.audit != nil {
		s.audit.Log(security.EventQueryKilled, sess.user.Username, sess.conn.RemoteAddr().String(),
			map[string]interface{}{"predicate": req.Predicate, "killed": killed})
	}
	sess.writeMessage(wire.OpQueryReply, wire.QueryReply{
		Token: token,
		Type:  "SUCCESS_ATOM",
		Data:  wire.AdminKillReply{Killed: killed},
	})
}
