package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/isabella232/zangetsu/internal/codec"
)

// DayTimestamp truncates a timestamp in seconds to its day bucket.
func DayTimestamp(ts uint64) uint64 {
	return ts - ts%DayLength
}

// CalculateRecordSize returns the on-disk size of a record built from the
// given payload buffers: the length of the bytes Encode produces for them.
func CalculateRecordSize(buffers [][]byte) int64 {
	var payload uint64
	for _, b := range buffers {
		payload += uint64(len(b))
	}
	return int64(codec.RecordSize(payload))
}

// AddingEvent is published to subscribers before a write commits to disk,
// carrying the exact framed bytes so replicas can enqueue them. Every
// subscriber must call Done exactly once, after the forwarded work is
// handled or abandoned; the emitting Add does not complete before then.
type AddingEvent struct {
	GroupName    string
	DayTimestamp uint64
	Timestamp    uint64
	Entry        *TimeEntry
	Record       []byte

	wg *sync.WaitGroup
}

// Done releases the emitter's wait for this subscriber.
func (ev *AddingEvent) Done() { ev.wg.Done() }

// RemoveEvent is published after a removal. One distinguishes removeOne
// (exactly one day entry) from bulk remove. For bulk removes DayTimestamp is nil
// when the whole group was removed. Every subscriber must call Done.
type RemoveEvent struct {
	GroupName    string
	DayTimestamp *uint64
	One          bool

	wg *sync.WaitGroup
}

// Done releases the emitter's wait for this subscriber.
func (ev *RemoveEvent) Done() { ev.wg.Done() }

// Subscriber receives database mutation events. Implementations must not
// block: enqueue and return, then call the event's Done when the queued
// work is handled or dropped.
type Subscriber interface {
	Adding(*AddingEvent)
	Removed(*RemoveEvent)
}

// Database is the top-level container of groups rooted at one directory.
type Database struct {
	Root string

	mu   sync.Mutex
	cond *sync.Cond

	groups      map[string]*Group
	locked      bool
	outstanding int
	closed      bool

	subs      map[int]Subscriber
	nextSubID int
}

// Open loads the database rooted at root, registering groups and day
// entries already on disk. Leftover hidden directories from an
// interrupted removal are deleted in the background.
func Open(root string) (*Database, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	db := &Database{
		Root:   root,
		groups: make(map[string]*Group),
		subs:   make(map[int]Subscriber),
	}
	db.cond = sync.NewCond(&db.mu)

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		if strings.HasPrefix(name, ".hidden-") {
			go os.RemoveAll(filepath.Join(root, name))
			continue
		}
		if ValidateGroupName(name) != nil {
			continue
		}
		g, err := newGroup(name, filepath.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("load group %s: %w", name, err)
		}
		if err := db.loadEntries(g); err != nil {
			return nil, fmt.Errorf("load group %s: %w", name, err)
		}
		db.groups[name] = g
	}
	return db, nil
}

func (db *Database) loadEntries(g *Group) error {
	dirs, err := os.ReadDir(g.path)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		if strings.HasPrefix(name, ".hidden-") {
			go os.RemoveAll(filepath.Join(g.path, name))
			continue
		}
		dst, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		te, err := openTimeEntry(g.Name, dst, filepath.Join(g.path, name))
		if err != nil {
			return err
		}
		g.register(te)
	}
	return nil
}

// Subscribe registers a mutation subscriber and returns a token for
// Unsubscribe.
func (db *Database) Subscribe(s Subscriber) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextSubID++
	db.subs[db.nextSubID] = s
	return db.nextSubID
}

// Unsubscribe removes a subscriber by token.
func (db *Database) Unsubscribe(token int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.subs, token)
}

// enter blocks while the database is locked, then counts the operation as
// outstanding. It returns the subscriber snapshot to notify.
func (db *Database) enter() ([]Subscriber, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.locked && !db.closed {
		db.cond.Wait()
	}
	if db.closed {
		return nil, ErrClosed
	}
	db.outstanding++
	subs := make([]Subscriber, 0, len(db.subs))
	for _, s := range db.subs {
		subs = append(subs, s)
	}
	return subs, nil
}

func (db *Database) leave() {
	db.mu.Lock()
	db.outstanding--
	db.cond.Broadcast()
	db.mu.Unlock()
}

// Add appends one record to (group, day bucket of timestamp), creating
// the group and day entry lazily. The adding event is emitted before the
// bytes hit the disk; Add returns only after the local write completed
// and every subscriber called Done.
func (db *Database) Add(group string, timestamp uint64, buffers [][]byte, corrupted bool) (offset int64, recordSize int64, err error) {
	return db.add(group, timestamp, codec.Encode(buffers, timestamp, corrupted))
}

// AddRaw appends pre-framed record bytes, keeping the file byte-identical
// to the producer's. Used by the slave-side applier.
func (db *Database) AddRaw(group string, timestamp uint64, record []byte) (offset int64, recordSize int64, err error) {
	return db.add(group, timestamp, record)
}

func (db *Database) add(group string, timestamp uint64, record []byte) (offset int64, recordSize int64, err error) {
	if err := ValidateGroupName(group); err != nil {
		return 0, 0, err
	}
	subs, err := db.enter()
	if err != nil {
		return 0, 0, err
	}
	defer db.leave()

	dst := DayTimestamp(timestamp)

	db.mu.Lock()
	g := db.groups[group]
	if g == nil {
		g, err = newGroup(group, filepath.Join(db.Root, group))
		if err != nil {
			db.mu.Unlock()
			return 0, 0, err
		}
		db.groups[group] = g
	}
	te, err := g.getOrCreate(dst)
	db.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	ev := &AddingEvent{
		GroupName:    group,
		DayTimestamp: dst,
		Timestamp:    timestamp,
		Entry:        te,
		Record:       record,
		wg:           &wg,
	}
	for _, s := range subs {
		s.Adding(ev)
	}

	offset, recordSize, err = te.AppendRecord(record)
	wg.Wait()
	return offset, recordSize, err
}

// Get reads the record at offset inside (group, day bucket of timestamp).
func (db *Database) Get(group string, timestamp uint64, offset int64) (payload []byte, header codec.Header, err error) {
	te, err := db.TimeEntry(group, DayTimestamp(timestamp))
	if err != nil {
		return nil, codec.Header{}, err
	}
	return te.Get(offset)
}

// TimeEntry returns the entry for (group, dst), or ErrNotFound.
func (db *Database) TimeEntry(group string, dst uint64) (*TimeEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	g := db.groups[group]
	if g == nil {
		return nil, ErrNotFound
	}
	te, ok := g.lookup(dst)
	if !ok {
		return nil, ErrNotFound
	}
	return te, nil
}

// RemoveOne destroys exactly one day entry and emits the matching remove
// event. Removing a missing group or entry is a no-op: replication
// replays removals, so they are idempotent.
func (db *Database) RemoveOne(group string, dst uint64) error {
	subs, err := db.enter()
	if err != nil {
		return err
	}
	defer db.leave()

	db.mu.Lock()
	g := db.groups[group]
	if g != nil {
		if err := g.removeOne(dst); err != nil && err != ErrNotFound {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	d := dst
	db.emitRemove(subs, &RemoveEvent{GroupName: group, DayTimestamp: &d, One: true})
	return nil
}

// Remove destroys either the whole group (before == nil) or every day
// entry strictly older than *before, then emits the remove event.
func (db *Database) Remove(group string, before *uint64) error {
	subs, err := db.enter()
	if err != nil {
		return err
	}
	defer db.leave()

	db.mu.Lock()
	g := db.groups[group]
	if g != nil {
		if before == nil {
			if err := g.removeAll(); err != nil {
				db.mu.Unlock()
				return err
			}
			delete(db.groups, group)
		} else if err := g.removeBefore(*before); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	db.emitRemove(subs, &RemoveEvent{GroupName: group, DayTimestamp: before})
	return nil
}

func (db *Database) emitRemove(subs []Subscriber, ev *RemoveEvent) {
	var wg sync.WaitGroup
	wg.Add(len(subs))
	ev.wg = &wg
	for _, s := range subs {
		s.Removed(ev)
	}
	wg.Wait()
}

// Toc summarizes the database as group → day timestamp → written size.
func (db *Database) Toc() map[string]map[uint64]int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]map[uint64]int64, len(db.groups))
	for name, g := range db.groups {
		m := make(map[uint64]int64)
		g.toc(func(dst uint64, size int64) {
			m[dst] = size
		})
		out[name] = m
	}
	return out
}

// TocEntries snapshots the live time-entry handles per (group, day
// timestamp). The replicator diffs against this so it can pin entries it
// is about to stream.
func (db *Database) TocEntries() map[string]map[uint64]*TimeEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]map[uint64]*TimeEntry, len(db.groups))
	for name, g := range db.groups {
		m := make(map[uint64]*TimeEntry)
		g.entries.Ascend(func(te *TimeEntry) bool {
			m[te.DayTimestamp] = te
			return true
		})
		out[name] = m
	}
	return out
}

// HasGroup reports whether group exists and is open.
func (db *Database) HasGroup(group string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	g := db.groups[group]
	return g != nil && !g.closed
}

// Lock quiesces the database: it blocks until every outstanding mutation
// has completed, then holds off new ones (and therefore all adding/remove
// events) until Unlock.
func (db *Database) Lock() {
	db.mu.Lock()
	for db.locked {
		db.cond.Wait()
	}
	db.locked = true
	for db.outstanding > 0 {
		db.cond.Wait()
	}
	db.mu.Unlock()
}

// Unlock resumes mutations after Lock.
func (db *Database) Unlock() {
	db.mu.Lock()
	db.locked = false
	db.cond.Broadcast()
	db.mu.Unlock()
}

// Locked reports whether the database is currently quiesced.
func (db *Database) Locked() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.locked
}

// Close shuts the database down. Entry file handles are released as their
// readers drain.
func (db *Database) Close() {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	groups := db.groups
	db.groups = make(map[string]*Group)
	db.cond.Broadcast()
	db.mu.Unlock()

	for _, g := range groups {
		g.close()
	}
}

// Stats summarizes the database for the periodic stats log line.
func (db *Database) Stats() (groups, entries int, bytes int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, g := range db.groups {
		groups++
		g.toc(func(dst uint64, size int64) {
			entries++
			bytes += size
		})
	}
	return
}
