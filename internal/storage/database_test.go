package storage

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestValidateGroupName(t *testing.T) {
	valid := []string{"foo", "Foo-2", "a_b.c", "0", "x"}
	invalid := []string{"", ".foo", "foo/bar", "foo bar", "foo\x00", "föö"}

	for _, name := range valid {
		if err := ValidateGroupName(name); err != nil {
			t.Errorf("ValidateGroupName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range invalid {
		if err := ValidateGroupName(name); !errors.Is(err, ErrInvalidGroupName) {
			t.Errorf("ValidateGroupName(%q) = %v, want ErrInvalidGroupName", name, err)
		}
	}
}

func TestAddCreatesGroupAndEntry(t *testing.T) {
	db := newTestDB(t)

	offset, _, err := db.Add("foo", 172800+5, [][]byte{[]byte("hello")}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}

	toc := db.Toc()
	sizes, ok := toc["foo"]
	if !ok {
		t.Fatal("group foo missing from TOC")
	}
	if size, ok := sizes[172800]; !ok || size != CalculateRecordSize([][]byte{[]byte("hello")}) {
		t.Errorf("toc[foo][172800] = %d, %v", size, ok)
	}
}

func TestAddRejectsBadGroupName(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.Add(".hidden", 0, [][]byte{[]byte("x")}, false); !errors.Is(err, ErrInvalidGroupName) {
		t.Errorf("err = %v, want ErrInvalidGroupName", err)
	}
}

func TestGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	offset, _, err := db.Add("foo", 86401, [][]byte{[]byte("payload")}, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	payload, h, err := db.Get("foo", 86401, offset)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Errorf("payload = %q", payload)
	}
	if h.Timestamp != 86401 {
		t.Errorf("timestamp = %d", h.Timestamp)
	}
}

func TestRemoveOneIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	db.Add("foo", 86400, [][]byte{[]byte("x")}, false)

	if err := db.RemoveOne("foo", 86400); err != nil {
		t.Fatalf("RemoveOne: %v", err)
	}
	if err := db.RemoveOne("foo", 86400); err != nil {
		t.Fatalf("second RemoveOne: %v", err)
	}
	if err := db.RemoveOne("nope", 86400); err != nil {
		t.Fatalf("RemoveOne on missing group: %v", err)
	}

	if _, err := db.TimeEntry("foo", 86400); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still present: %v", err)
	}
}

func TestRemoveBefore(t *testing.T) {
	db := newTestDB(t)
	for _, dst := range []uint64{0, 86400, 172800} {
		db.Add("foo", dst, [][]byte{[]byte("x")}, false)
	}

	before := uint64(172800)
	if err := db.Remove("foo", &before); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	toc := db.Toc()["foo"]
	if len(toc) != 1 {
		t.Fatalf("toc = %v, want only 172800", toc)
	}
	if _, ok := toc[172800]; !ok {
		t.Error("entry 172800 removed but should survive")
	}
}

func TestRemoveWholeGroupFreesName(t *testing.T) {
	db := newTestDB(t)
	db.Add("foo", 0, [][]byte{[]byte("x")}, false)

	if err := db.Remove("foo", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if db.HasGroup("foo") {
		t.Error("group still present")
	}

	// The name is immediately reusable.
	if _, _, err := db.Add("foo", 0, [][]byte{[]byte("y")}, false); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if size := db.Toc()["foo"][0]; size != CalculateRecordSize([][]byte{[]byte("y")}) {
		t.Errorf("recreated group toc size = %d", size)
	}
}

func TestOpenScansExistingData(t *testing.T) {
	root := t.TempDir()
	db, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Add("foo", 86400, [][]byte{[]byte("hello")}, false)
	db.Add("foo", 172800, [][]byte{[]byte("world")}, false)
	db.Add("bar", 0, [][]byte{[]byte("!")}, false)
	want := db.Toc()
	db.Close()

	db2, err := Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	got := db2.Toc()
	if len(got) != len(want) {
		t.Fatalf("groups = %d, want %d", len(got), len(want))
	}
	for g, sizes := range want {
		for dst, size := range sizes {
			if got[g][dst] != size {
				t.Errorf("toc[%s][%d] = %d, want %d", g, dst, got[g][dst], size)
			}
		}
	}
}

type recordingSubscriber struct {
	mu      sync.Mutex
	adds    []*AddingEvent
	removes []*RemoveEvent
}

func (r *recordingSubscriber) Adding(ev *AddingEvent) {
	r.mu.Lock()
	r.adds = append(r.adds, ev)
	r.mu.Unlock()
	ev.Done()
}

func (r *recordingSubscriber) Removed(ev *RemoveEvent) {
	r.mu.Lock()
	r.removes = append(r.removes, ev)
	r.mu.Unlock()
	ev.Done()
}

func TestAddingEventCarriesFramedBytes(t *testing.T) {
	db := newTestDB(t)
	sub := &recordingSubscriber{}
	token := db.Subscribe(sub)
	defer db.Unsubscribe(token)

	db.Add("foo", 86401, [][]byte{[]byte("hello")}, false)

	if len(sub.adds) != 1 {
		t.Fatalf("adds = %d, want 1", len(sub.adds))
	}
	ev := sub.adds[0]
	if ev.GroupName != "foo" || ev.DayTimestamp != 86400 {
		t.Errorf("event = %+v", ev)
	}
	if int64(len(ev.Record)) != CalculateRecordSize([][]byte{[]byte("hello")}) {
		t.Errorf("record bytes = %d", len(ev.Record))
	}

	payload, _, err := db.Get("foo", 86401, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Contains(ev.Record, payload) {
		t.Error("event record does not contain the payload written")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	db := newTestDB(t)
	sub := &recordingSubscriber{}
	token := db.Subscribe(sub)
	db.Add("foo", 0, [][]byte{[]byte("x")}, false)
	db.Unsubscribe(token)
	db.Add("foo", 0, [][]byte{[]byte("y")}, false)

	if len(sub.adds) != 1 {
		t.Errorf("adds = %d, want 1", len(sub.adds))
	}
}

func TestLockQuiescesEvents(t *testing.T) {
	db := newTestDB(t)
	sub := &recordingSubscriber{}
	db.Subscribe(sub)

	db.Lock()

	done := make(chan struct{})
	go func() {
		db.Add("foo", 0, [][]byte{[]byte("x")}, false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Add completed while database locked")
	case <-time.After(50 * time.Millisecond):
	}

	sub.mu.Lock()
	n := len(sub.adds)
	sub.mu.Unlock()
	if n != 0 {
		t.Fatal("adding event emitted while locked")
	}

	db.Unlock()
	<-done

	sub.mu.Lock()
	n = len(sub.adds)
	sub.mu.Unlock()
	if n != 1 {
		t.Errorf("adds after unlock = %d, want 1", n)
	}
}

func TestLockWaitsForOutstandingAdds(t *testing.T) {
	db := newTestDB(t)

	release := make(chan struct{})
	blocking := &blockingSubscriber{entered: make(chan struct{}), release: release}
	db.Subscribe(blocking)

	addDone := make(chan struct{})
	go func() {
		db.Add("foo", 0, [][]byte{[]byte("x")}, false)
		close(addDone)
	}()
	<-blocking.entered

	lockDone := make(chan struct{})
	go func() {
		db.Lock()
		close(lockDone)
	}()

	select {
	case <-lockDone:
		t.Fatal("Lock returned while an add was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-addDone
	<-lockDone
	db.Unlock()
}

type blockingSubscriber struct {
	enteredOnce sync.Once
	entered     chan struct{}
	release     chan struct{}
}

func (b *blockingSubscriber) Adding(ev *AddingEvent) {
	go func() {
		b.enteredOnce.Do(func() { close(b.entered) })
		<-b.release
		ev.Done()
	}()
}

func (b *blockingSubscriber) Removed(ev *RemoveEvent) { ev.Done() }
