package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/isabella232/zangetsu/internal/codec"
)

func newTestEntry(t *testing.T) *TimeEntry {
	t.Helper()
	te, err := openTimeEntry("foo", 172800, filepath.Join(t.TempDir(), "172800"))
	if err != nil {
		t.Fatalf("openTimeEntry: %v", err)
	}
	t.Cleanup(func() { te.Close(nil) })
	return te
}

func TestAddGetRoundTrip(t *testing.T) {
	te := newTestEntry(t)

	offset, recordSize, err := te.Add([][]byte{[]byte("hello world")}, 172801, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}
	if want := int64(codec.RecordSize(11)); recordSize != want {
		t.Errorf("recordSize = %d, want %d", recordSize, want)
	}

	payload, h, err := te.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(payload, []byte("hello world")) {
		t.Errorf("payload = %q", payload)
	}
	if h.Timestamp != 172801 {
		t.Errorf("timestamp = %d, want 172801", h.Timestamp)
	}
}

func TestAddOffsetsAccumulate(t *testing.T) {
	te := newTestEntry(t)

	o1, _, err := te.Add([][]byte{[]byte("hello")}, 1, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	o2, _, err := te.Add([][]byte{[]byte("world!")}, 2, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if o1 != 0 {
		t.Errorf("first offset = %d, want 0", o1)
	}
	if want := int64(codec.HeaderSize + 5 + codec.FooterSize); o2 != want {
		t.Errorf("second offset = %d, want %d", o2, want)
	}
	if te.WrittenSize() != o2+int64(codec.RecordSize(6)) {
		t.Errorf("writtenSize = %d", te.WrittenSize())
	}
}

func TestGetPastEnd(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("x")}, 1, false)

	if _, _, err := te.Get(te.WrittenSize()); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, _, err := te.Get(-1); !errors.Is(err, ErrNotFound) {
		t.Errorf("negative offset err = %v, want ErrNotFound", err)
	}
}

func TestScanInsertionOrder(t *testing.T) {
	te := newTestEntry(t)
	var want [][]byte
	for i := 0; i < 10; i++ {
		p := []byte(fmt.Sprintf("record-%d", i))
		want = append(want, p)
		if _, _, err := te.Add([][]byte{p}, uint64(i), false); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	c, err := te.Scan(0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer c.Close()

	var got [][]byte
	for c.Next() {
		got = append(got, append([]byte(nil), c.Payload()...))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScanRecordCarriesFraming(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("hello")}, 7, false)

	c, err := te.Scan(0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer c.Close()

	if !c.Next() {
		t.Fatalf("Next: %v", c.Err())
	}
	want := codec.Encode([][]byte{[]byte("hello")}, 7, false)
	if !bytes.Equal(c.Record(), want) {
		t.Error("Record() is not the framed on-disk bytes")
	}
}

func TestScanStopsAtCorruption(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("good")}, 1, false)
	offset, _, _ := te.Add([][]byte{[]byte("bad!")}, 2, false)
	te.Add([][]byte{[]byte("after")}, 3, false)

	// Flip a payload byte of the middle record on disk.
	path := filepath.Join(te.dir, DataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[offset+codec.HeaderSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := te.Scan(0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer c.Close()

	if !c.Next() {
		t.Fatalf("first record: %v", c.Err())
	}
	if c.Next() {
		t.Fatal("scan did not stop at corrupt record")
	}
	if !errors.Is(c.Err(), codec.ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", c.Err())
	}
}

func TestScanMalformedHeader(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("good")}, 1, false)

	// Garbage after the valid record, long enough to look like a header.
	garbage := bytes.Repeat([]byte{0xAB}, codec.HeaderSize+16)
	if _, _, err := te.AppendRecord(garbage); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	c, err := te.Scan(0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer c.Close()

	if !c.Next() {
		t.Fatalf("first record: %v", c.Err())
	}
	if c.Next() {
		t.Fatal("scan accepted garbage header")
	}
	if !errors.Is(c.Err(), codec.ErrMalformedRecord) {
		t.Errorf("err = %v, want ErrMalformedRecord", c.Err())
	}
}

func TestCloseDeferredUntilReadersDrain(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("x")}, 1, false)

	c, err := te.Scan(0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	closed := make(chan struct{})
	te.Close(func() { close(closed) })

	select {
	case <-closed:
		t.Fatal("close ran while a reader was active")
	default:
	}

	c.Close()
	<-closed

	if _, _, err := te.Add([][]byte{[]byte("y")}, 2, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after close: err = %v, want ErrClosed", err)
	}
}

func TestCursorCloseIdempotent(t *testing.T) {
	te := newTestEntry(t)
	te.Add([][]byte{[]byte("x")}, 1, false)

	c, _ := te.Scan(0)
	c.Close()
	c.Close()
	if n := te.ReadOperations(); n != 0 {
		t.Errorf("readOperations = %d, want 0", n)
	}
}

func TestDestroyRenamesSynchronously(t *testing.T) {
	dir := t.TempDir()
	entryDir := filepath.Join(dir, "86400")
	te, err := openTimeEntry("g", 86400, entryDir)
	if err != nil {
		t.Fatalf("openTimeEntry: %v", err)
	}
	te.Add([][]byte{[]byte("x")}, 86400, false)

	if err := te.destroy(func() string { return ".hidden-test" }); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(entryDir); !os.IsNotExist(err) {
		t.Error("entry dir still present after destroy")
	}
}
