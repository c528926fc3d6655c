package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kartikbazzad/bunbase/querycache/config"
	"github.com/kartikbazzad/bunbase/querycache/internal/admin"
	"github.com/kartikbazzad/bunbase/querycache/internal/limits"
	logging "github.com/kartikbazzad/bunbase/querycache/logger"
	"github.com/kartikbazzad/bunbase/querycache/security"
	"github.com/kartikbazzad/bunbase/querycache/server"
)

// memStore is an in-process security.UserStore seeded at startup. A
// real deployment would back this with persistent storage; nothing in
// this service's scope needs documents to live on disk, so the store
// stays in memory for the lifetime of the process.
type memStore struct {
	users map[string]*security.User
}

func newMemStore() *memStore { return &memStore{users: make(map[string]*security.User)} }

func (s *memStore) GetUser(username string) (*security.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, os.ErrNotExist
	}
	return u, nil
}
func (s *memStore) SaveUser(u *security.User) error {
	s.users[u.Username] = u
	return nil
}
func (s *memStore) DeleteUser(username string) error {
	delete(s.users, username)
	return nil
}
func (s *memStore) ListUsers() ([]*security.User, error) {
	out := make([]*security.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func main() {
	port := flag.Int("port", 4321, "TCP server port")
	tlsCert := flag.String("tls-cert", "", "Path to TLS server certificate")
	tlsKey := flag.String("tls-key", "", "Path to TLS server private key")
	rootPassword := flag.String("root-password", "", "Bootstrap password for the root admin user")
	flag.Parse()

	cfg, err := config.Load("QUERYCACHE_")
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Get()

	var audit *security.AuditLogger
	if cfg.AuditLogPath != "" {
		audit, err = security.NewAuditLogger(cfg.AuditLogPath)
		if err != nil {
			log.Error("failed to open audit log", "err", err)
			os.Exit(1)
		}
		defer audit.Close()
	} else {
		audit = security.DiscardLogger()
	}

	store := newMemStore()
	users := security.NewUserManager(store)
	if *rootPassword != "" {
		if err := users.CreateUser("root", *rootPassword, []security.Role{security.RoleRoot}); err != nil {
			log.Error("failed to bootstrap root user", "err", err)
			os.Exit(1)
		}
	}

	limiter := limits.NewConcurrencyLimiter(cfg.MaxOpenTokensPerConn)
	registry := admin.NewRegistry()

	var killEngine *admin.KillEngine
	if cfg.AdminEnabled {
		killEngine, err = admin.NewKillEngine()
		if err != nil {
			log.Error("failed to build admin kill engine", "err", err)
			os.Exit(1)
		}
	}

	var tlsConfig *tls.Config
	if *tlsCert != "" && *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Error("failed to load TLS keys", "err", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	addr := fmt.Sprintf(":%d", *port)
	srv := server.NewTCPServer(addr, server.Deps{
		Users:      users,
		Audit:      audit,
		Limiter:    limiter,
		Registry:   registry,
		KillEngine: killEngine,
	}, tlsConfig)

	if err := srv.Start(); err != nil {
		log.Error("failed to start server", "err", err)
		os.Exit(1)
	}
	audit.Log(security.EventSystemStart, "", "", nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.Error("error during shutdown", "err", err)
	}
	log.Info("stopped")
}
