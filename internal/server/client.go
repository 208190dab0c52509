package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/isabella232/zangetsu/internal/codec"
	"github.com/isabella232/zangetsu/internal/protocol"
	"github.com/isabella232/zangetsu/internal/storage"
)

// clientSession serves the client command set on one connection. Commands
// are processed in arrival order; add is asynchronous (its outcome is
// reported by the next results command).
type clientSession struct {
	srv  *Server
	conn *protocol.Conn
	log  *slog.Logger

	// opid → outcome, in insertion order, cleared by results.
	opids map[uint64]protocol.OpResult
	order []uint64
}

func newClientSession(s *Server, conn *protocol.Conn, log *slog.Logger) *clientSession {
	return &clientSession{
		srv:   s,
		conn:  conn,
		log:   log,
		opids: make(map[uint64]protocol.OpResult),
	}
}

func (cs *clientSession) run() error {
	for {
		var cmd protocol.Command
		if err := cs.conn.ReadJSON(&cmd); err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, protocol.ErrInvalidJSON) {
				return cs.fail("invalid json")
			}
			return err
		}

		var err error
		switch cmd.Command {
		case protocol.CmdAdd:
			err = cs.handleAdd(&cmd)
		case protocol.CmdResults:
			err = cs.handleResults(&cmd)
		case protocol.CmdGet:
			err = cs.handleGet(&cmd)
		case protocol.CmdRemove:
			err = cs.handleRemove(&cmd)
		case protocol.CmdRemoveOne:
			err = cs.handleRemoveOne(&cmd)
		case protocol.CmdGetToc:
			err = cs.handleGetToc()
		case protocol.CmdPing:
			err = cs.handlePing(&cmd)
		default:
			err = cs.fail(fmt.Sprintf("unknown command %q", cmd.Command))
		}
		if err != nil {
			return err
		}
	}
}

// fail sends a protocol error with disconnect:true and ends the session.
func (cs *clientSession) fail(msg string) error {
	cs.conn.WriteJSON(protocol.Errorf(true, msg))
	return errDisconnect
}

func (cs *clientSession) requireMaster(what string) error {
	if cs.srv.Role() != protocol.RoleMaster {
		return cs.fail(what + " is not accepted on a slave")
	}
	return nil
}

func (cs *clientSession) handleAdd(cmd *protocol.Command) error {
	// Pre-flight failures disconnect: the declared payload is not
	// consumed, so the stream cannot be trusted afterwards.
	if cmd.Group == "" {
		return cs.fail("add: group is required")
	}
	if storage.ValidateGroupName(cmd.Group) != nil {
		return cs.fail("add: invalid group name")
	}
	if cmd.Opid == nil {
		return cs.fail("add: opid is required")
	}
	if cmd.Size == 0 {
		return cs.fail("add: size is required")
	}
	if _, used := cs.opids[*cmd.Opid]; used {
		return cs.fail(fmt.Sprintf("add: opid is already in use (%d)", *cmd.Opid))
	}
	if err := cs.requireMaster("add"); err != nil {
		return err
	}

	payload, err := cs.conn.ReadPayload(cmd.Size)
	if err != nil {
		return err
	}

	opid := *cmd.Opid
	offset, _, err := cs.srv.db.Add(cmd.Group, cmd.Timestamp, [][]byte{payload}, cmd.Corrupted)
	if err != nil {
		if errors.Is(err, storage.ErrClosed) {
			return cs.fail("add: group is closed")
		}
		cs.record(opid, protocol.OpResult{Status: protocol.StatusError, Message: err.Error()})
		return nil
	}
	cs.record(opid, protocol.OpResult{Status: protocol.StatusOK, Offset: &offset})
	return nil
}

func (cs *clientSession) record(opid uint64, res protocol.OpResult) {
	cs.opids[opid] = res
	cs.order = append(cs.order, opid)
}

func (cs *clientSession) handleResults(cmd *protocol.Command) error {
	results := make(map[string]protocol.OpResult, len(cs.order))
	if !cmd.Discard {
		for _, opid := range cs.order {
			results[strconv.FormatUint(opid, 10)] = cs.opids[opid]
		}
	}
	cs.opids = make(map[uint64]protocol.OpResult)
	cs.order = nil
	return cs.conn.WriteJSON(protocol.ResultsReply{Status: protocol.StatusOK, Results: results})
}

func (cs *clientSession) handleGet(cmd *protocol.Command) error {
	if cmd.Group == "" {
		return cs.fail("get: group is required")
	}
	payload, header, err := cs.srv.db.Get(cmd.Group, cmd.Timestamp, cmd.Offset)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return cs.conn.WriteJSON(protocol.Errorf(false, "record not found"))
	case errors.Is(err, codec.ErrMalformedRecord), errors.Is(err, codec.ErrChecksumMismatch):
		return cs.conn.WriteJSON(protocol.Errorf(false, "record is corrupted"))
	default:
		cs.log.Error("get failed", "group", cmd.Group, "error", err)
		return cs.conn.WriteJSON(protocol.Errorf(false, err.Error()))
	}
	reply := protocol.GetReply{
		Status:    protocol.StatusOK,
		Size:      header.Size,
		Timestamp: header.Timestamp,
		Corrupted: header.Corrupted,
	}
	return cs.conn.WriteFrame(reply, payload)
}

func (cs *clientSession) handleRemove(cmd *protocol.Command) error {
	if cmd.Group == "" {
		return cs.fail("remove: group is required")
	}
	if err := cs.requireMaster("remove"); err != nil {
		return err
	}
	if err := cs.srv.db.Remove(cmd.Group, cmd.DayTimestamp); err != nil {
		return cs.conn.WriteJSON(protocol.Errorf(false, err.Error()))
	}
	return cs.conn.WriteJSON(protocol.OK())
}

func (cs *clientSession) handleRemoveOne(cmd *protocol.Command) error {
	if cmd.Group == "" {
		return cs.fail("removeOne: group is required")
	}
	if cmd.DayTimestamp == nil {
		return cs.fail("removeOne: dayTimestamp is required")
	}
	if err := cs.requireMaster("removeOne"); err != nil {
		return err
	}
	if err := cs.srv.db.RemoveOne(cmd.Group, *cmd.DayTimestamp); err != nil {
		return cs.conn.WriteJSON(protocol.Errorf(false, err.Error()))
	}
	return cs.conn.WriteJSON(protocol.OK())
}

func (cs *clientSession) handleGetToc() error {
	toc := protocol.BuildToc(cs.srv.db.Toc())
	return cs.conn.WriteJSON(protocol.TocReply{Status: protocol.StatusOK, Toc: toc})
}

// handlePing defers its reply by the requested sleep without reading
// further commands from this connection. Other connections are
// unaffected.
func (cs *clientSession) handlePing(cmd *protocol.Command) error {
	if cmd.Sleep > 0 {
		time.Sleep(time.Duration(cmd.Sleep) * time.Millisecond)
	}
	return cs.conn.WriteJSON(protocol.OK())
}
