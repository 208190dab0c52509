package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/isabella232/zangetsu/internal/codec"
)

// DataFileName is the name of the record file inside a day directory.
const DataFileName = "data"

var (
	// ErrClosed reports an operation on a closed time entry, group or
	// database.
	ErrClosed = errors.New("storage: closed")

	// ErrNotFound reports a read at an offset past the visible end of a
	// time entry, or a lookup of a group or day entry that does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// TimeEntry is the append-only record file for one (group, day timestamp)
// pair. Writers append through the owning database; any number of readers
// may stream concurrently. Destruction is deferred while readers are
// active.
type TimeEntry struct {
	GroupName    string
	DayTimestamp uint64

	mu sync.Mutex

	dir  string
	file *os.File

	// dataFileSize is the bytes durably on disk; writtenSize trails it and
	// is the size replicas and readers are allowed to see.
	dataFileSize int64
	writtenSize  int64

	readOperations int
	closed         bool
	closeFuncs     []func() // run once readOperations drains after close
}

func openTimeEntry(groupName string, dst uint64, dir string) (*TimeEntry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, DataFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	te := &TimeEntry{
		GroupName:    groupName,
		DayTimestamp: dst,
		dir:          dir,
		file:         f,
		dataFileSize: fi.Size(),
		writtenSize:  fi.Size(),
	}
	return te, nil
}

// WrittenSize returns the bytes visible to readers and replicas.
func (te *TimeEntry) WrittenSize() int64 {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.writtenSize
}

// DataFileSize returns the bytes durably on disk.
func (te *TimeEntry) DataFileSize() int64 {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.dataFileSize
}

// Add encodes one record from payload buffers and appends it. It returns
// the byte offset of the record header and the total record size.
func (te *TimeEntry) Add(buffers [][]byte, timestamp uint64, corrupted bool) (offset int64, recordSize int64, err error) {
	record := codec.Encode(buffers, timestamp, corrupted)
	return te.AppendRecord(record)
}

// AppendRecord appends pre-framed record bytes verbatim. Replica appliers
// use this to keep slave files byte-identical to the master's.
func (te *TimeEntry) AppendRecord(record []byte) (offset int64, recordSize int64, err error) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return 0, 0, ErrClosed
	}
	offset = te.dataFileSize
	if _, err := te.file.WriteAt(record, offset); err != nil {
		return 0, 0, fmt.Errorf("append record: %w", err)
	}

	// Publish only after the write completed. Appends are serialized, so
	// no reader ever sees a range that is still being written.
	te.dataFileSize += int64(len(record))
	te.writtenSize = te.dataFileSize
	return offset, int64(len(record)), nil
}

// Get reads the single record whose header starts at offset. It returns
// the payload and decoded header, or codec.ErrMalformedRecord /
// codec.ErrChecksumMismatch when the bytes at offset are not a valid
// record.
func (te *TimeEntry) Get(offset int64) (payload []byte, header codec.Header, err error) {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return nil, codec.Header{}, ErrClosed
	}
	visible := te.writtenSize
	file := te.file
	te.mu.Unlock()

	if offset < 0 || offset+codec.HeaderSize > visible {
		return nil, codec.Header{}, ErrNotFound
	}

	head := make([]byte, codec.HeaderSize)
	if _, err := file.ReadAt(head, offset); err != nil {
		return nil, codec.Header{}, fmt.Errorf("read record header: %w", err)
	}
	h, err := codec.DecodeHeader(head)
	if err != nil {
		return nil, codec.Header{}, err
	}
	total := int64(codec.RecordSize(h.Size))
	if offset+total > visible {
		return nil, codec.Header{}, codec.ErrMalformedRecord
	}

	rest := make([]byte, total-codec.HeaderSize)
	if _, err := file.ReadAt(rest, offset+codec.HeaderSize); err != nil {
		return nil, codec.Header{}, fmt.Errorf("read record body: %w", err)
	}
	body := rest[:h.Size]
	footer := rest[h.Size:]
	if err := codec.VerifyFooter(head, body, footer); err != nil {
		return nil, codec.Header{}, err
	}
	return body, h, nil
}

// IncReadOperations registers a streaming reader. While the counter is
// nonzero the entry's close and destruction are deferred.
func (te *TimeEntry) IncReadOperations() error {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return ErrClosed
	}
	te.readOperations++
	return nil
}

// DecReadOperations releases a reader registered with IncReadOperations.
func (te *TimeEntry) DecReadOperations() {
	te.mu.Lock()
	te.readOperations--
	if te.readOperations < 0 {
		te.readOperations = 0
	}
	var funcs []func()
	if te.readOperations == 0 && te.closed {
		funcs = te.closeFuncs
		te.closeFuncs = nil
	}
	te.mu.Unlock()

	for _, fn := range funcs {
		fn()
	}
}

// ReadOperations returns the number of active streaming readers.
func (te *TimeEntry) ReadOperations() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.readOperations
}

// Close marks the entry closed. New operations fail immediately; the file
// handle is released, and fn invoked, once the last active reader
// finishes. fn may be nil.
func (te *TimeEntry) Close(fn func()) {
	te.mu.Lock()
	if !te.closed {
		te.closed = true
		te.closeFuncs = append(te.closeFuncs, func() {
			te.file.Close()
		})
	}
	if fn != nil {
		te.closeFuncs = append(te.closeFuncs, fn)
	}
	var funcs []func()
	if te.readOperations == 0 {
		funcs = te.closeFuncs
		te.closeFuncs = nil
	}
	te.mu.Unlock()

	for _, f := range funcs {
		f()
	}
}

// Scan returns a cursor over the records starting at offset. The cursor
// holds a read operation until Close is called.
func (te *TimeEntry) Scan(offset int64) (*Cursor, error) {
	if err := te.IncReadOperations(); err != nil {
		return nil, err
	}
	return &Cursor{entry: te, offset: offset}, nil
}

// Cursor streams records out of a time entry. Usage follows bufio.Scanner:
// call Next until it returns false, then check Err. Close is idempotent
// and must be called to release the reader.
type Cursor struct {
	entry  *TimeEntry
	offset int64
	err    error
	done   bool
	closed bool

	data   []byte // full framed record, header through footer
	header codec.Header
}

// Next advances to the next record. It returns false at end of the
// visible data or on error.
func (c *Cursor) Next() bool {
	if c.done || c.closed {
		return false
	}

	te := c.entry
	te.mu.Lock()
	visible := te.writtenSize
	file := te.file
	teClosed := te.closed
	te.mu.Unlock()

	if teClosed {
		c.done = true
		c.err = ErrClosed
		return false
	}
	if c.offset >= visible {
		c.done = true // clean EOF
		return false
	}
	if c.offset+codec.HeaderSize > visible {
		c.done = true
		c.err = codec.ErrMalformedRecord
		return false
	}

	head := make([]byte, codec.HeaderSize)
	if _, err := file.ReadAt(head, c.offset); err != nil {
		c.done = true
		c.err = err
		return false
	}
	h, err := codec.DecodeHeader(head)
	if err != nil {
		c.done = true
		c.err = err
		return false
	}
	total := int64(codec.RecordSize(h.Size))
	if c.offset+total > visible {
		c.done = true
		c.err = codec.ErrMalformedRecord
		return false
	}

	data := make([]byte, total)
	copy(data, head)
	if _, err := file.ReadAt(data[codec.HeaderSize:], c.offset+codec.HeaderSize); err != nil {
		c.done = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = codec.ErrMalformedRecord
		}
		c.err = err
		return false
	}
	if err := codec.VerifyFooter(data[:codec.HeaderSize], data[codec.HeaderSize:codec.HeaderSize+int64(h.Size)], data[codec.HeaderSize+int64(h.Size):]); err != nil {
		c.done = true
		c.err = err
		return false
	}

	c.data = data
	c.header = h
	c.offset += total
	return true
}

// Record returns the full framed bytes of the current record.
func (c *Cursor) Record() []byte { return c.data }

// Payload returns the current record's payload bytes.
func (c *Cursor) Payload() []byte {
	return c.data[codec.HeaderSize : codec.HeaderSize+int64(c.header.Size)]
}

// Header returns the decoded header of the current record.
func (c *Cursor) Header() codec.Header { return c.header }

// Offset returns the file offset of the next unread record.
func (c *Cursor) Offset() int64 { return c.offset }

// Err returns the error that stopped the scan, nil on clean EOF.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor's read operation. Safe to call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.entry.DecReadOperations()
}

// destroy renames the entry's directory to a hidden name and removes it in
// the background once all readers drain. The rename is synchronous so the
// day timestamp is immediately free for reuse.
func (te *TimeEntry) destroy(hiddenName func() string) error {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return ErrClosed
	}
	dir := te.dir
	te.mu.Unlock()

	hidden := filepath.Join(filepath.Dir(dir), hiddenName())
	if err := os.Rename(dir, hidden); err != nil {
		return fmt.Errorf("hide %s: %w", dir, err)
	}
	te.Close(func() {
		go os.RemoveAll(hidden)
	})
	return nil
}
