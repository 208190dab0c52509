package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/isabella232/zangetsu/internal/codec"
	"github.com/isabella232/zangetsu/internal/protocol"
	"github.com/isabella232/zangetsu/internal/storage"
)

// Replica-slave session states.
const (
	stateUninitialized = iota
	stateBackgroundSync
	stateLockedSync
	stateReady
	stateDisconnected
)

// Work queue commands.
const (
	wiFill = iota
	wiPruneOne
	wiPruneAll
	wiCheckResults
)

// workItem is one queued replication step. A fill either carries the
// forwarded record bytes of a live write, or names a time entry to stream
// from disk. done unblocks the database's event emitter; reader marks a
// held read operation on entry.
type workItem struct {
	cmd   int
	group string
	dst   *uint64

	entry     *storage.TimeEntry
	record    []byte
	timestamp uint64

	done   func()
	reader bool
}

// finish releases everything the item holds. Safe to call once per item.
func (it *workItem) finish() {
	if it.reader {
		it.entry.DecReadOperations()
		it.reader = false
	}
	if it.done != nil {
		it.done()
		it.done = nil
	}
}

// replicaSession drives one connected slave to parity and then forwards
// live mutations. One goroutine owns the state machine; a read pump feeds
// the slave's replies through a channel.
type replicaSession struct {
	conn      *protocol.Conn
	log       *slog.Logger
	db        *storage.Database
	threshold int

	mu      sync.Mutex
	state   int
	queue   []*workItem
	cleanup func() // stops an in-flight streaming read

	notify    chan struct{}
	replies   chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once

	// toc mirrors what the slave holds, updated as commands are sent.
	toc map[string]map[uint64]int64

	nextOpID   uint64 // pending (unacknowledged) adds; reset by results
	sinceCheck int    // adds since the last scheduled results
	subToken   int
}

func newReplicaSession(s *Server, conn *protocol.Conn, log *slog.Logger) *replicaSession {
	return &replicaSession{
		conn:      conn,
		log:       log,
		db:        s.db,
		threshold: s.opts.ResultCheckThreshold,
		notify:    make(chan struct{}, 1),
		replies:   make(chan json.RawMessage, 16),
		closed:    make(chan struct{}),
	}
}

func (rs *replicaSession) run() error {
	go rs.readPump()
	defer rs.teardown()

	// Fetch the slave's TOC.
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdGetToc}); err != nil {
		return err
	}
	var tocReply protocol.TocReply
	if err := rs.awaitReply(&tocReply); err != nil {
		return err
	}
	if tocReply.Status != protocol.StatusOK {
		return fmt.Errorf("slave getToc: %s", tocReply.Status)
	}
	sizes, err := tocReply.Toc.Sizes()
	if err != nil {
		return err
	}
	rs.toc = sizes

	// Background synchronization: diff and drain until a diff comes up
	// empty, then lock the database and finish under quiescence.
	rs.setState(stateBackgroundSync)
	rs.log.Info("background synchronization started")
	for {
		rs.scheduleSlaveSynchronizationCommands()
		if rs.queueLen() == 0 {
			break
		}
		if err := rs.drainQueue(); err != nil {
			return err
		}
	}

	rs.db.Lock()
	locked := true
	defer func() {
		if locked {
			rs.db.Unlock()
		}
	}()

	rs.setState(stateLockedSync)
	rs.log.Info("locked synchronization started")
	rs.scheduleSlaveSynchronizationCommands()
	if err := rs.drainQueue(); err != nil {
		return err
	}

	// A ping round-trip proves the slave has applied everything sent.
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdPing}); err != nil {
		return err
	}
	if err := rs.awaitOK("ping"); err != nil {
		return err
	}

	rs.subToken = rs.db.Subscribe(rs)
	rs.setState(stateReady)
	rs.db.Unlock()
	locked = false
	rs.log.Info("slave is in sync, forwarding live mutations")

	// Forwarding: process queued items as events enqueue them.
	for {
		it := rs.nextItem()
		if it == nil {
			return nil // peer went away
		}
		if err := rs.process(it); err != nil {
			return err
		}
	}
}

func (rs *replicaSession) readPump() {
	for {
		raw, err := rs.conn.ReadRaw()
		if err != nil {
			rs.closeOnce.Do(func() { close(rs.closed) })
			return
		}
		select {
		case rs.replies <- raw:
		case <-rs.closed:
			return
		}
	}
}

func (rs *replicaSession) teardown() {
	rs.closeOnce.Do(func() { close(rs.closed) })
	if rs.subToken != 0 {
		rs.db.Unsubscribe(rs.subToken)
		rs.subToken = 0
	}

	rs.mu.Lock()
	rs.state = stateDisconnected
	items := rs.queue
	rs.queue = nil
	cleanup := rs.cleanup
	rs.cleanup = nil
	rs.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	for _, it := range items {
		it.finish()
	}
	rs.conn.Close()
}

func (rs *replicaSession) setState(state int) {
	rs.mu.Lock()
	rs.state = state
	rs.mu.Unlock()
}

// Adding implements storage.Subscriber. Only a READY session is
// subscribed; an event in any other state violates the queue invariant.
func (rs *replicaSession) Adding(ev *storage.AddingEvent) {
	dst := ev.DayTimestamp
	it := &workItem{
		cmd:       wiFill,
		group:     ev.GroupName,
		dst:       &dst,
		entry:     ev.Entry,
		record:    ev.Record,
		timestamp: ev.Timestamp,
		done:      ev.Done,
	}
	if ev.Entry.IncReadOperations() == nil {
		it.reader = true
	}
	rs.enqueue(it)
}

// Removed implements storage.Subscriber.
func (rs *replicaSession) Removed(ev *storage.RemoveEvent) {
	cmd := wiPruneAll
	if ev.One {
		cmd = wiPruneOne
	}
	rs.enqueue(&workItem{cmd: cmd, group: ev.GroupName, dst: ev.DayTimestamp, done: ev.Done})
}

func (rs *replicaSession) enqueue(it *workItem) {
	rs.mu.Lock()
	state := rs.state
	if state == stateDisconnected {
		rs.mu.Unlock()
		it.finish()
		return
	}
	if it.done != nil && state != stateReady {
		// Event received while not forwarding: the lock barrier should
		// have made this impossible.
		rs.mu.Unlock()
		rs.log.Error("queue invariant violated: event outside READY", "state", state)
		it.finish()
		rs.closeOnce.Do(func() { close(rs.closed) })
		rs.conn.Close()
		return
	}
	rs.queue = append(rs.queue, it)
	rs.mu.Unlock()

	select {
	case rs.notify <- struct{}{}:
	default:
	}
}

func (rs *replicaSession) queueLen() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.queue)
}

func (rs *replicaSession) pop() *workItem {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.queue) == 0 {
		return nil
	}
	it := rs.queue[0]
	rs.queue = rs.queue[1:]
	return it
}

// nextItem blocks until an item is queued or the connection dies.
func (rs *replicaSession) nextItem() *workItem {
	for {
		if it := rs.pop(); it != nil {
			return it
		}
		select {
		case <-rs.notify:
		case <-rs.closed:
			return nil
		}
	}
}

// drainQueue processes items until the queue is empty.
func (rs *replicaSession) drainQueue() error {
	for {
		it := rs.pop()
		if it == nil {
			return nil
		}
		if err := rs.process(it); err != nil {
			return err
		}
	}
}

// scheduleSlaveSynchronizationCommands diffs the slave's TOC mirror
// against the local database and enqueues the prunes and fills that
// bring the slave to parity.
func (rs *replicaSession) scheduleSlaveSynchronizationCommands() {
	local := rs.db.TocEntries()

	rs.mu.Lock()
	mirror := make(map[string]map[uint64]int64, len(rs.toc))
	for g, days := range rs.toc {
		m := make(map[uint64]int64, len(days))
		for d, s := range days {
			m[d] = s
		}
		mirror[g] = m
	}
	rs.mu.Unlock()

	filled := make(map[string]map[uint64]bool)
	markFilled := func(group string, dst uint64) {
		if filled[group] == nil {
			filled[group] = make(map[uint64]bool)
		}
		filled[group][dst] = true
	}

	// Slave side: prune what the master does not have, or what the slave
	// holds more of than the master is willing to show.
	for group, days := range mirror {
		localDays, ok := local[group]
		if !ok {
			rs.enqueue(&workItem{cmd: wiPruneOne, group: group})
			continue
		}
		for dst, slaveSize := range days {
			te, ok := localDays[dst]
			if !ok {
				d := dst
				rs.enqueue(&workItem{cmd: wiPruneOne, group: group, dst: &d})
				continue
			}
			if slaveSize > te.WrittenSize() {
				d := dst
				rs.enqueue(&workItem{cmd: wiPruneOne, group: group, dst: &d})
				rs.enqueueFill(group, d, te)
				markFilled(group, dst)
			}
		}
	}

	// Master side: fill every entry the slave is missing data for.
	for group, days := range local {
		for dst, te := range days {
			if filled[group][dst] {
				continue
			}
			var slaveSize int64
			if m, ok := mirror[group]; ok {
				slaveSize = m[dst]
			}
			if te.WrittenSize() > slaveSize {
				rs.enqueueFill(group, dst, te)
			}
		}
	}
}

// enqueueFill pins the entry with a read operation for the lifetime of
// the work item. An entry that is already closed is skipped; the next
// diff pass reconciles.
func (rs *replicaSession) enqueueFill(group string, dst uint64, te *storage.TimeEntry) {
	if te.IncReadOperations() != nil {
		return
	}
	d := dst
	rs.enqueue(&workItem{cmd: wiFill, group: group, dst: &d, entry: te, reader: true})
}

func (rs *replicaSession) process(it *workItem) error {
	defer it.finish()

	switch it.cmd {
	case wiPruneOne:
		if it.dst == nil {
			return rs.sendPruneGroup(it.group)
		}
		return rs.sendPruneEntry(it.group, *it.dst)
	case wiPruneAll:
		return rs.sendPruneBulk(it.group, it.dst)
	case wiCheckResults:
		return rs.checkResults()
	case wiFill:
		if it.record != nil {
			return rs.forwardRecord(it)
		}
		return rs.syncEntry(it)
	default:
		return fmt.Errorf("unknown work item command %d", it.cmd)
	}
}

func (rs *replicaSession) sendPruneGroup(group string) error {
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdRemove, Group: group}); err != nil {
		return err
	}
	if err := rs.awaitOK("remove"); err != nil {
		return err
	}
	rs.mu.Lock()
	delete(rs.toc, group)
	rs.mu.Unlock()
	return nil
}

func (rs *replicaSession) sendPruneEntry(group string, dst uint64) error {
	d := dst
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdRemoveOne, Group: group, DayTimestamp: &d}); err != nil {
		return err
	}
	if err := rs.awaitOK("removeOne"); err != nil {
		return err
	}
	rs.mu.Lock()
	if days, ok := rs.toc[group]; ok {
		delete(days, dst)
	}
	rs.mu.Unlock()
	return nil
}

func (rs *replicaSession) sendPruneBulk(group string, before *uint64) error {
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdRemove, Group: group, DayTimestamp: before}); err != nil {
		return err
	}
	if err := rs.awaitOK("remove"); err != nil {
		return err
	}
	rs.mu.Lock()
	if before == nil {
		delete(rs.toc, group)
	} else if days, ok := rs.toc[group]; ok {
		for dst := range days {
			if dst < *before {
				delete(days, dst)
			}
		}
	}
	rs.mu.Unlock()
	return nil
}

// forwardRecord sends one live write to the slave. No per-record reply is
// awaited; the periodic results round-trip covers it.
func (rs *replicaSession) forwardRecord(it *workItem) error {
	if err := rs.sendAdd(it.group, it.timestamp, it.record); err != nil {
		return err
	}
	rs.bumpToc(it.group, *it.dst, int64(len(it.record)))
	rs.sinceCheck++
	if rs.sinceCheck >= rs.threshold {
		rs.sinceCheck = 0
		rs.enqueue(&workItem{cmd: wiCheckResults})
	}
	return nil
}

func (rs *replicaSession) sendAdd(group string, timestamp uint64, record []byte) error {
	opid := rs.nextOpID
	rs.nextOpID++
	cmd := protocol.Command{
		Command:   protocol.CmdAdd,
		Group:     group,
		Timestamp: timestamp,
		Size:      uint64(len(record)),
		Opid:      &opid,
	}
	return rs.conn.WriteFrame(cmd, record)
}

func (rs *replicaSession) bumpToc(group string, dst uint64, delta int64) {
	rs.mu.Lock()
	days := rs.toc[group]
	if days == nil {
		days = make(map[uint64]int64)
		rs.toc[group] = days
	}
	days[dst] += delta
	rs.mu.Unlock()
}

func (rs *replicaSession) tocSize(group string, dst uint64) int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if days, ok := rs.toc[group]; ok {
		return days[dst]
	}
	return 0
}

func (rs *replicaSession) setTocSize(group string, dst uint64, size int64) {
	rs.mu.Lock()
	days := rs.toc[group]
	if days == nil {
		days = make(map[uint64]int64)
		rs.toc[group] = days
	}
	days[dst] = size
	rs.mu.Unlock()
}

// syncEntry streams a time entry from the slave's current size to the
// master's written size. A corrupt prefix on the slave is reset with
// removeOne and the stream restarts from zero.
func (rs *replicaSession) syncEntry(it *workItem) error {
	group, dst, te := it.group, *it.dst, it.entry

	for {
		size := rs.tocSize(group, dst)
		if size >= te.WrittenSize() {
			return nil // already caught up
		}

		if size > 0 {
			// The slave's prefix must end on a valid record boundary:
			// the bytes at its size must decode as a record here.
			_, _, err := te.Get(size)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrClosed):
				return nil // entry removed underneath; reconciled later
			case errors.Is(err, codec.ErrMalformedRecord),
				errors.Is(err, codec.ErrChecksumMismatch),
				errors.Is(err, storage.ErrNotFound):
				rs.log.Warn("slave prefix suspected corrupt, refilling",
					"group", group, "dayTimestamp", dst, "size", size)
				if err := rs.sendPruneEntry(group, dst); err != nil {
					return err
				}
				rs.setTocSize(group, dst, 0)
				continue
			default:
				return fmt.Errorf("verify %s/%d at %d: %w", group, dst, size, err)
			}
		}

		cur, err := te.Scan(size)
		if err != nil {
			if errors.Is(err, storage.ErrClosed) {
				return nil
			}
			return err
		}
		rs.mu.Lock()
		rs.cleanup = cur.Close
		rs.mu.Unlock()

		streamErr := rs.streamRecords(cur, group, dst)

		rs.mu.Lock()
		rs.cleanup = nil
		rs.mu.Unlock()
		cur.Close()

		if streamErr != nil {
			return streamErr
		}
		if err := cur.Err(); err != nil {
			if errors.Is(err, storage.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stream %s/%d: %w", group, dst, err)
		}

		if rs.nextOpID > 0 {
			if err := rs.checkResults(); err != nil {
				return err
			}
		}
		return nil
	}
}

func (rs *replicaSession) streamRecords(cur *storage.Cursor, group string, dst uint64) error {
	for cur.Next() {
		record := cur.Record()
		if err := rs.sendAdd(group, cur.Header().Timestamp, record); err != nil {
			return err
		}
		rs.bumpToc(group, dst, int64(len(record)))
		rs.sinceCheck++
		if rs.sinceCheck >= rs.threshold {
			if err := rs.checkResults(); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkResults drives one results round-trip and verifies every pending
// add landed. Any failed result is a replication fault and ends the
// session.
func (rs *replicaSession) checkResults() error {
	if err := rs.conn.WriteJSON(protocol.Command{Command: protocol.CmdResults}); err != nil {
		return err
	}
	var reply protocol.ResultsReply
	if err := rs.awaitReply(&reply); err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("results: status %s", reply.Status)
	}
	for opid, res := range reply.Results {
		if res.Status != protocol.StatusOK {
			return fmt.Errorf("results: add %s failed on slave: %s", opid, res.Message)
		}
	}
	rs.nextOpID = 0
	rs.sinceCheck = 0
	return nil
}

func (rs *replicaSession) awaitReply(v any) error {
	select {
	case raw := <-rs.replies:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
		}
		return nil
	case <-rs.closed:
		return errDisconnect
	}
}

func (rs *replicaSession) awaitOK(what string) error {
	var reply protocol.StatusReply
	if err := rs.awaitReply(&reply); err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("%s: slave replied %s: %s", what, reply.Status, reply.Message)
	}
	return nil
}
