// Package server implements the TCP front of a zangetsu node: the
// handshake, the client command set, and the master-side replica-slave
// sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/isabella232/zangetsu/internal/logger"
	"github.com/isabella232/zangetsu/internal/protocol"
	"github.com/isabella232/zangetsu/internal/storage"
)

// Options configures a Server.
type Options struct {
	Name string
	Host string
	Port int

	// MasterHost is set when this node is a slave; it is reported to
	// replica-slave peers that connect to the wrong node.
	MasterHost string
	MasterPort int

	// ResultCheckThreshold is the replication batch size: a results
	// round-trip is forced after this many unacknowledged adds.
	ResultCheckThreshold int

	// StatsInterval enables the periodic stats log line. Zero disables.
	StatsInterval time.Duration
}

// Server accepts connections and runs one session per peer.
type Server struct {
	opts Options
	db   *storage.Database
	log  *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
}

// New builds a server over db.
func New(db *storage.Database, opts Options) *Server {
	if opts.ResultCheckThreshold <= 0 {
		opts.ResultCheckThreshold = 100
	}
	return &Server{
		opts:  opts,
		db:    db,
		log:   logger.Log.With("component", "server"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Role returns the role announced in the greeting.
func (s *Server) Role() string {
	if s.opts.MasterHost != "" {
		return protocol.RoleSlave
	}
	return protocol.RoleMaster
}

// Addr returns the bound listen address, once ListenAndServe is up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe accepts connections until ctx is cancelled, then closes
// every open session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	groups, entries, bytes := s.db.Stats()
	s.log.Info("listening",
		"addr", ln.Addr().String(), "role", s.Role(),
		"groups", groups, "entries", entries, "data", units.BytesSize(float64(bytes)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
		return nil
	})
	if s.opts.StatsInterval > 0 {
		g.Go(func() error {
			s.statsLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.track(conn, true)
			go func() {
				defer s.track(conn, false)
				s.handleConn(conn)
			}()
		}
	})
	return g.Wait()
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			groups, entries, bytes := s.db.Stats()
			s.log.Debug("stats",
				"groups", groups, "entries", entries,
				"data", units.BytesSize(float64(bytes)))
		}
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()
	conn := protocol.NewConn(raw)
	log := s.log.With("remote", conn.RemoteAddr())

	role, err := s.handshake(conn)
	if err != nil {
		log.Debug("handshake failed", "error", err)
		return
	}

	switch role {
	case protocol.RoleClient:
		sess := newClientSession(s, conn, log.With("session", "client"))
		if err := sess.run(); err != nil && !isDisconnect(err) {
			log.Debug("client session ended", "error", err)
		}
	case protocol.RoleReplicaSlave:
		sess := newReplicaSession(s, conn, log.With("session", "replica-slave"))
		if err := sess.run(); err != nil && !isDisconnect(err) {
			log.Error("replica-slave session ended", "error", err)
		}
	}
}

// handshake greets, reads the peer's identity and sends the status reply.
// It returns the accepted role, or an error when the session must not
// proceed (the reply has already been written in that case).
func (s *Server) handshake(conn *protocol.Conn) (string, error) {
	greeting := protocol.Greeting{
		ProtocolMajor: protocol.ProtocolMajor,
		ProtocolMinor: protocol.ProtocolMinor,
		ServerName:    s.opts.Name,
		Host:          s.opts.Host,
		Port:          s.opts.Port,
		Role:          s.Role(),
	}
	if err := conn.WriteJSON(greeting); err != nil {
		return "", err
	}

	var ident protocol.Identity
	if err := conn.ReadJSON(&ident); err != nil {
		if errors.Is(err, protocol.ErrInvalidJSON) {
			conn.WriteJSON(protocol.Errorf(true, "invalid handshake frame"))
		}
		return "", err
	}

	switch ident.Role {
	case protocol.RoleClient, "":
		// An empty identity object is accepted as a plain client.
		if err := conn.WriteJSON(protocol.OK()); err != nil {
			return "", err
		}
		return protocol.RoleClient, nil
	case protocol.RoleReplicaSlave:
		if s.Role() != protocol.RoleMaster {
			conn.WriteJSON(protocol.HandshakeReply{
				Status:     protocol.StatusNotMaster,
				MasterHost: s.opts.MasterHost,
				MasterPort: s.opts.MasterPort,
			})
			return "", fmt.Errorf("replica-slave connected to a slave")
		}
		reply := protocol.HandshakeReply{
			Status:   protocol.StatusOK,
			YourRole: protocol.RoleSlave,
			MyRole:   protocol.RoleMaster,
		}
		if err := conn.WriteJSON(reply); err != nil {
			return "", err
		}
		return protocol.RoleReplicaSlave, nil
	default:
		conn.WriteJSON(protocol.Errorf(true, fmt.Sprintf("unknown role %q", ident.Role)))
		return "", fmt.Errorf("unknown role %q", ident.Role)
	}
}

// errDisconnect marks a session end that was already answered on the wire
// (protocol error with disconnect:true) or a plain peer hangup.
var errDisconnect = errors.New("server: session disconnected")

func isDisconnect(err error) bool {
	return errors.Is(err, errDisconnect)
}
