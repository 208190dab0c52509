package replica

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

// Applier executes the master's command stream against the local
// database. The commands are a superset of the client set; adds carry
// full framed records which are appended verbatim so the slave's files
// stay byte-identical to the master's. The master drives the ack cadence
// with results.
type Applier struct {
	db   *storage.Database
	conn *protocol.Conn
	log  *slog.Logger

	opids map[uint64]protocol.OpResult
	order []uint64
}

// NewApplier wraps an established master link.
func NewApplier(db *storage.Database, conn *protocol.Conn, log *slog.Logger) *Applier {
	return &Applier{
		db:    db,
		conn:  conn,
		log:   log,
		opids: make(map[uint64]protocol.OpResult),
	}
}

// Run applies commands until the link drops.
func (a *Applier) Run() error {
	for {
		var cmd protocol.Command
		if err := a.conn.ReadJSON(&cmd); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var err error
		switch cmd.Command {
		case protocol.CmdAdd:
			err = a.handleAdd(&cmd)
		case protocol.CmdResults:
			err = a.handleResults(&cmd)
		case protocol.CmdGetToc:
			err = a.conn.WriteJSON(protocol.TocReply{
				Status: protocol.StatusOK,
				Toc:    protocol.BuildToc(a.db.Toc()),
			})
		case protocol.CmdRemove:
			err = a.handleRemove(&cmd)
		case protocol.CmdRemoveOne:
			err = a.handleRemoveOne(&cmd)
		case protocol.CmdPing:
			if cmd.Sleep > 0 {
				time.Sleep(time.Duration(cmd.Sleep) * time.Millisecond)
			}
			err = a.conn.WriteJSON(protocol.OK())
		default:
			a.conn.WriteJSON(protocol.Errorf(true, fmt.Sprintf("unknown command %q", cmd.Command)))
			return fmt.Errorf("master sent unknown command %q", cmd.Command)
		}
		if err != nil {
			return err
		}
	}
}

// handleAdd appends one framed record. The declared size must equal the
// total size of the record framed in those bytes; a mismatch is not
// appended and is reported as a failed add in the next results reply.
func (a *Applier) handleAdd(cmd *protocol.Command) error {
	if cmd.Group == "" || cmd.Opid == nil || cmd.Size == 0 {
		a.conn.WriteJSON(protocol.Errorf(true, "add: missing field"))
		return errors.New("add: missing field")
	}
	if _, used := a.opids[*cmd.Opid]; used {
		a.conn.WriteJSON(protocol.Errorf(true, fmt.Sprintf("add: opid is already in use (%d)", *cmd.Opid)))
		return errors.New("add: duplicate opid")
	}

	record, err := a.conn.ReadPayload(cmd.Size)
	if err != nil {
		return err
	}

	opid := *cmd.Opid
	header, err := codec.DecodeHeader(record)
	if err != nil || codec.RecordSize(header.Size) != cmd.Size {
		a.record(opid, protocol.OpResult{Status: protocol.StatusError, Message: "malformed record frame"})
		return nil
	}

	offset, _, err := a.db.AddRaw(cmd.Group, cmd.Timestamp, record)
	if err != nil {
		a.record(opid, protocol.OpResult{Status: protocol.StatusError, Message: err.Error()})
		return nil
	}
	a.record(opid, protocol.OpResult{Status: protocol.StatusOK, Offset: &offset})
	return nil
}

func (a *Applier) record(opid uint64, res protocol.OpResult) {
	a.opids[opid] = res
	a.order = append(a.order, opid)
}

func (a *Applier) handleResults(cmd *protocol.Command) error {
	results := make(map[string]protocol.OpResult, len(a.order))
	if !cmd.Discard {
		for _, opid := range a.order {
			results[strconv.FormatUint(opid, 10)] = a.opids[opid]
		}
	}
	a.opids = make(map[uint64]protocol.OpResult)
	a.order = nil
	return a.conn.WriteJSON(protocol.ResultsReply{Status: protocol.StatusOK, Results: results})
}

func (a *Applier) handleRemove(cmd *protocol.Command) error {
	if cmd.Group == "" {
		a.conn.WriteJSON(protocol.Errorf(true, "remove: group is required"))
		return errors.New("remove: missing group")
	}
	if err := a.db.Remove(cmd.Group, cmd.DayTimestamp); err != nil {
		return a.conn.WriteJSON(protocol.Errorf(false, err.Error()))
	}
	return a.conn.WriteJSON(protocol.OK())
}

func (a *Applier) handleRemoveOne(cmd *protocol.Command) error {
	if cmd.Group == "" || cmd.DayTimestamp == nil {
		a.conn.WriteJSON(protocol.Errorf(true, "removeOne: missing field"))
		return errors.New("removeOne: missing field")
	}
	if err := a.db.RemoveOne(cmd.Group, *cmd.DayTimestamp); err != nil {
		return a.conn.WriteJSON(protocol.Errorf(false, err.Error()))
	}
	return a.conn.WriteJSON(protocol.OK())
}
