package advsched

import (
	"errors"

	"github.com/user/linklayer/ll/radio"
)

var ErrListFull = errors.New("advsched: sorted list full")

const nilIndex = -1

// Entry is one advertising set in the sorted list.
type Entry struct {
	Handle    uint8
	Estimate  radio.Time
	Earliest  radio.Time
	LastStart radio.Time
}

// End returns the end of the entry's slot if it starts at Earliest
func (e Entry) End() radio.Time { return e.Earliest + e.Estimate }

type node struct {
	Entry
	next int
}

// List orders advertising sets by earliest viable start. Nodes live in a
// fixed arena; unused nodes form a free list, so inserts never allocate
// after construction.
type List struct {
	nodes []node
	head  int
	free  int
	size  int
}

// NewList creates a list that holds up to capacity sets
func NewList(capacity int) *List {
	l := &List{nodes: make([]node, capacity), head: nilIndex}
	for i := range l.nodes {
		l.nodes[i].next = i + 1
	}
	if capacity > 0 {
		l.nodes[capacity-1].next = nilIndex
		l.free = 0
	} else {
		l.free = nilIndex
	}
	return l
}

// Len returns the number of entries
func (l *List) Len() int { return l.size }

// Insert adds a set. Entries with equal starts keep insertion order.
func (l *List) Insert(e Entry) error {
	if l.free == nilIndex {
		return ErrListFull
	}
	idx := l.free
	l.free = l.nodes[idx].next
	l.nodes[idx] = node{Entry: e, next: nilIndex}
	l.link(idx)
	l.size++
	return nil
}

func (l *List) link(idx int) {
	start := l.nodes[idx].Earliest
	if l.head == nilIndex || start < l.nodes[l.head].Earliest {
		l.nodes[idx].next = l.head
		l.head = idx
		return
	}
	prev := l.head
	for l.nodes[prev].next != nilIndex && l.nodes[l.nodes[prev].next].Earliest <= start {
		prev = l.nodes[prev].next
	}
	l.nodes[idx].next = l.nodes[prev].next
	l.nodes[prev].next = idx
}

// Remove drops the set with handle. It reports whether it was present.
func (l *List) Remove(handle uint8) bool {
	prev := nilIndex
	for i := l.head; i != nilIndex; i = l.nodes[i].next {
		if l.nodes[i].Handle != handle {
			prev = i
			continue
		}
		if prev == nilIndex {
			l.head = l.nodes[i].next
		} else {
			l.nodes[prev].next = l.nodes[i].next
		}
		l.release(i)
		return true
	}
	return false
}

func (l *List) release(idx int) {
	l.nodes[idx] = node{next: l.free}
	l.free = idx
	l.size--
}

// Head returns the entry with the earliest start
func (l *List) Head() (Entry, bool) {
	if l.head == nilIndex {
		return Entry{}, false
	}
	return l.nodes[l.head].Entry, true
}

// Detach removes and returns the head in O(1)
func (l *List) Detach() (Entry, bool) {
	if l.head == nilIndex {
		return Entry{}, false
	}
	idx := l.head
	e := l.nodes[idx].Entry
	l.head = l.nodes[idx].next
	l.release(idx)
	return e, true
}

// Reinsert puts a set back after its event, keyed on its next earliest start.
func (l *List) Reinsert(e Entry) error {
	l.Remove(e.Handle)
	return l.Insert(e)
}

// Get returns the entry for handle
func (l *List) Get(handle uint8) (Entry, bool) {
	for i := l.head; i != nilIndex; i = l.nodes[i].next {
		if l.nodes[i].Handle == handle {
			return l.nodes[i].Entry, true
		}
	}
	return Entry{}, false
}

// Entries returns all entries in order
func (l *List) Entries() []Entry {
	out := make([]Entry, 0, l.size)
	for i := l.head; i != nilIndex; i = l.nodes[i].next {
		out = append(out, l.nodes[i].Entry)
	}
	return out
}

// Slot is a planned advertising event.
type Slot struct {
	Handle uint8
	Start  radio.Time
	End    radio.Time
}

// NextViable returns the head's slot if it starts no earlier than after.
func (l *List) NextViable(after radio.Time) (Slot, bool) {
	e, ok := l.Head()
	if !ok {
		return Slot{}, false
	}
	start := e.Earliest
	if start < after {
		start = after
	}
	return Slot{Handle: e.Handle, Start: start, End: start + e.Estimate}, true
}

// Pack lays out sets back to back from after, in list order, keeping each
// slot plus guard before limit. Sets that do not fit are skipped over so a
// later, shorter set may still use the gap.
func (l *List) Pack(after, limit, guard radio.Time) []Slot {
	var slots []Slot
	t := after
	for i := l.head; i != nilIndex; i = l.nodes[i].next {
		e := l.nodes[i].Entry
		start := e.Earliest
		if start < t {
			start = t
		}
		end := start + e.Estimate
		if end+guard > limit {
			continue
		}
		slots = append(slots, Slot{Handle: e.Handle, Start: start, End: end})
		t = end
	}
	return slots
}
