// Package replica implements the slave side of replication: the outbound
// link to the master and the applier that executes the master's command
// stream against the local database.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/isabella232/zangetsu/internal/logger"
	"github.com/isabella232/zangetsu/internal/protocol"
	"github.com/isabella232/zangetsu/internal/storage"
)

// Link maintains the connection from a slave to its master, reconnecting
// with backoff whenever it drops. Every (re)connect restarts the sync
// cycle: the master asks for the TOC and diffs from scratch, which is
// safe because fills and prunes are derived purely from the two TOCs.
type Link struct {
	db   *storage.Database
	log  *slog.Logger
	host string
	port int
}

// NewLink builds a link to the master at host:port.
func NewLink(db *storage.Database, host string, port int) *Link {
	return &Link{
		db:   db,
		log:  logger.Log.With("component", "replica-link"),
		host: host,
		port: port,
	}
}

// Run dials and serves the master until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	backoff := NewBackoff(time.Second, 60*time.Second)
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		l.log.Warn("master link lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Link) runOnce(ctx context.Context) error {
	addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial master %s: %w", addr, err)
	}
	conn := protocol.NewConn(raw)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var greeting protocol.Greeting
	if err := conn.ReadJSON(&greeting); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if greeting.ProtocolMajor != protocol.ProtocolMajor {
		return fmt.Errorf("unsupported protocol %d.%d", greeting.ProtocolMajor, greeting.ProtocolMinor)
	}

	if err := conn.WriteJSON(protocol.Identity{Role: protocol.RoleReplicaSlave}); err != nil {
		return err
	}
	var reply protocol.HandshakeReply
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	switch reply.Status {
	case protocol.StatusOK:
	case protocol.StatusNotMaster:
		// The peer is a slave itself; follow its advertised master.
		if reply.MasterHost != "" {
			l.log.Info("peer is not the master, following redirect",
				"master_host", reply.MasterHost, "master_port", reply.MasterPort)
			l.host = reply.MasterHost
			l.port = reply.MasterPort
		}
		return fmt.Errorf("peer %s is not a master", addr)
	default:
		return fmt.Errorf("handshake rejected: %s: %s", reply.Status, reply.Message)
	}

	l.log.Info("connected to master", "addr", addr, "server", greeting.ServerName)
	return NewApplier(l.db, conn, l.log).Run()
}
