package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// DayLength is the size of one day bucket in seconds.
const DayLength = 86400

// ErrInvalidGroupName reports a group name outside [A-Za-z0-9_.-], empty,
// or starting with a dot.
var ErrInvalidGroupName = errors.New("storage: invalid group name")

// ValidateGroupName checks every character of name against the allowed
// charset and rejects empty names and names starting with a dot.
func ValidateGroupName(name string) error {
	if len(name) == 0 || strings.HasPrefix(name, ".") {
		return ErrInvalidGroupName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return ErrInvalidGroupName
		}
	}
	return nil
}

func hiddenName() string {
	return ".hidden-" + uuid.New().String()
}

// Group is a named container of time entries, one directory on disk with
// one subdirectory per day timestamp. Group methods are called with the
// owning database's lock held; the database is the only mutator.
type Group struct {
	Name string

	path    string
	entries *btree.BTreeG[*TimeEntry]
	closed  bool
}

func newGroup(name, path string) (*Group, error) {
	if err := ValidateGroupName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &Group{
		Name: name,
		path: path,
		entries: btree.NewG[*TimeEntry](8, func(a, b *TimeEntry) bool {
			return a.DayTimestamp < b.DayTimestamp
		}),
	}, nil
}

func (g *Group) entryDir(dst uint64) string {
	return filepath.Join(g.path, fmt.Sprintf("%d", dst))
}

func (g *Group) lookup(dst uint64) (*TimeEntry, bool) {
	return g.entries.Get(&TimeEntry{DayTimestamp: dst})
}

// getOrCreate returns the entry for dst, lazily creating its directory and
// data file.
func (g *Group) getOrCreate(dst uint64) (*TimeEntry, error) {
	if g.closed {
		return nil, ErrClosed
	}
	if te, ok := g.lookup(dst); ok {
		return te, nil
	}
	te, err := openTimeEntry(g.Name, dst, g.entryDir(dst))
	if err != nil {
		return nil, err
	}
	g.entries.ReplaceOrInsert(te)
	return te, nil
}

// register adds an entry discovered by the startup scan.
func (g *Group) register(te *TimeEntry) {
	g.entries.ReplaceOrInsert(te)
}

// removeOne destroys exactly one time entry via rename-to-hidden plus
// background unlink.
func (g *Group) removeOne(dst uint64) error {
	if g.closed {
		return ErrClosed
	}
	te, ok := g.lookup(dst)
	if !ok {
		return ErrNotFound
	}
	g.entries.Delete(te)
	return te.destroy(hiddenName)
}

// removeBefore destroys every entry with a day timestamp strictly less
// than before.
func (g *Group) removeBefore(before uint64) error {
	if g.closed {
		return ErrClosed
	}
	var victims []*TimeEntry
	g.entries.AscendLessThan(&TimeEntry{DayTimestamp: before}, func(te *TimeEntry) bool {
		victims = append(victims, te)
		return true
	})
	for _, te := range victims {
		g.entries.Delete(te)
		if err := te.destroy(hiddenName); err != nil {
			return err
		}
	}
	return nil
}

// removeAll destroys the whole group directory. The rename is synchronous
// so the group name is immediately free for reuse; the unlink runs in the
// background once every entry's readers drain.
func (g *Group) removeAll() error {
	if g.closed {
		return ErrClosed
	}
	g.closed = true

	hidden := filepath.Join(filepath.Dir(g.path), hiddenName())
	if err := os.Rename(g.path, hidden); err != nil {
		return fmt.Errorf("hide group %s: %w", g.Name, err)
	}

	// Close entries first; unlink after the last of them releases its file.
	remaining := g.entries.Len()
	if remaining == 0 {
		go os.RemoveAll(hidden)
	} else {
		done := make(chan struct{}, remaining)
		g.entries.Ascend(func(te *TimeEntry) bool {
			te.Close(func() { done <- struct{}{} })
			return true
		})
		go func() {
			for i := 0; i < remaining; i++ {
				<-done
			}
			os.RemoveAll(hidden)
		}()
	}
	g.entries.Clear(false)
	return nil
}

// close shuts the group down without touching the disk.
func (g *Group) close() {
	if g.closed {
		return
	}
	g.closed = true
	g.entries.Ascend(func(te *TimeEntry) bool {
		te.Close(nil)
		return true
	})
	g.entries.Clear(false)
}

// toc summarizes the group's entries as day timestamp → written size, in
// ascending day order.
func (g *Group) toc(fn func(dst uint64, size int64)) {
	g.entries.Ascend(func(te *TimeEntry) bool {
		fn(te.DayTimestamp, te.WrittenSize())
		return true
	})
}
