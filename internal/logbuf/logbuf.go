// Package logbuf keeps a bounded in-memory log ring that the /logs/live
// endpoint serves to pollers. Entries carry monotonically increasing ids so
// clients can resume from the last id they saw and detect gaps.
package logbuf

import (
	"strings"
	"sync"

	"optimo-worker/internal/timeutil"
)

type Entry struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Level   string         `json:"level"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	seq     int64
}

// Page is the response shape of a Since query.
type Page struct {
	Items       []Entry `json:"items"`
	NextSinceID int64   `json:"next_since_id"`
	Dropped     bool    `json:"dropped"`
	LatestID    int64   `json:"latest_id"`
}

func New(maxLines int) *Buffer {
	if maxLines < 500 {
		maxLines = 500
	}
	return &Buffer{entries: make([]Entry, maxLines)}
}

// Append stamps and stores an entry, evicting the oldest one when full.
func (b *Buffer) Append(level, kind, message string, extra map[string]any) Entry {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = "INFO"
	}
	if kind == "" {
		kind = "app"
	}
	entry := Entry{
		TS:      timeutil.NowISO(),
		Level:   level,
		Kind:    kind,
		Message: message,
	}
	if len(extra) > 0 {
		entry.Extra = extra
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entry.ID = b.seq
	idx := (b.head + b.count) % len(b.entries)
	if b.count == len(b.entries) {
		b.head = (b.head + 1) % len(b.entries)
		b.entries[idx] = entry
	} else {
		b.entries[idx] = entry
		b.count++
	}
	return entry
}

// Snapshot returns the buffered entries oldest-first and the latest id.
func (b *Buffer) Snapshot() ([]Entry, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)])
	}
	return out, b.seq
}

// Since pages entries newer than sinceID. Dropped is set when eviction or the
// limit cut entries the client has not seen yet.
func (b *Buffer) Since(sinceID int64, limit int) Page {
	if sinceID < 0 {
		sinceID = 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}

	snapshot, latest := b.Snapshot()
	if len(snapshot) == 0 {
		return Page{Items: []Entry{}, NextSinceID: sinceID, LatestID: latest}
	}

	oldest := snapshot[0].ID
	dropped := sinceID > 0 && oldest > sinceID+1

	items := make([]Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if e.ID > sinceID {
			items = append(items, e)
		}
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
		dropped = true
	}

	next := sinceID
	if len(items) > 0 {
		next = items[len(items)-1].ID
	}
	return Page{Items: items, NextSinceID: next, Dropped: dropped, LatestID: latest}
}
