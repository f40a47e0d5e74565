// Package history keeps the bounded log of device connect, disconnect and
// port-change events.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/PetoAdam/homenavi/serial-presence/internal/store"
)

const (
	DefaultMaxEntries = 100
	// DeviceWindow caps how many events ByDevice returns.
	DeviceWindow = 20
)

type EventType string

const (
	Connected    EventType = "connected"
	Disconnected EventType = "disconnected"
	PortChange   EventType = "port_change"
)

// Event is immutable once appended.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	Time    time.Time      `json:"time"`
	Type    EventType      `json:"type"`
	Port    string         `json:"port"`
	Name    string         `json:"name"`
	Key     string         `json:"key"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var aux struct {
		plain
		Time string `json:"time"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	ts, err := store.ParseTime(aux.Time)
	if err != nil {
		return fmt.Errorf("time: %w", err)
	}
	e.Time = ts
	return nil
}

// Log is a FIFO of at most max events. It is not safe for concurrent use.
type Log struct {
	backend store.Backend
	max     int
	events  deque.Deque[Event]
	dirty   bool
}

func New(b store.Backend, max int) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{backend: b, max: max}
}

func (l *Log) Max() int { return l.max }

func (l *Log) Len() int { return l.events.Len() }

// Load replaces the in-memory log with the persisted one, keeping only the
// newest max entries. Unreadable documents load as empty.
func (l *Log) Load(ctx context.Context) int {
	l.events.Clear()
	l.dirty = false
	var stored []Event
	ok, err := store.LoadDocument(ctx, l.backend, store.DocHistory, &stored)
	if err != nil {
		slog.Warn("device history unreadable, starting empty", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	if len(stored) > l.max {
		stored = stored[len(stored)-l.max:]
	}
	for _, e := range stored {
		l.events.PushBack(e)
	}
	return l.events.Len()
}

// Append adds e to the end of the log, drops the oldest entries beyond the
// bound and persists. A zero ID or Time is filled in. The event stays in
// memory even when the write fails.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.events.PushBack(e)
	for l.events.Len() > l.max {
		l.events.PopFront()
	}
	slog.Info("device event", "type", e.Type, "name", e.Name, "port", e.Port, "key", e.Key)
	l.dirty = true
	return e, l.Persist(ctx)
}

// Dirty reports whether the in-memory log holds events not yet written.
func (l *Log) Dirty() bool { return l.dirty }

func (l *Log) Persist(ctx context.Context) error {
	if err := store.SaveDocument(ctx, l.backend, store.DocHistory, l.all()); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// all returns the log in append order.
func (l *Log) all() []Event {
	out := make([]Event, l.events.Len())
	for i := range out {
		out[i] = l.events.At(i)
	}
	return out
}

// Recent returns the last n events, newest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Event {
	size := l.events.Len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, l.events.At(i))
	}
	return out
}

// ByDevice returns the newest events for key, newest first, capped at
// DeviceWindow.
func (l *Log) ByDevice(key string, n int) []Event {
	if n <= 0 || n > DeviceWindow {
		n = DeviceWindow
	}
	var out []Event
	for i := l.events.Len() - 1; i >= 0 && len(out) < n; i-- {
		if e := l.events.At(i); e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// Timeline returns up to n events ordered by timestamp, newest first. Events
// sharing a timestamp keep reverse append order. n <= 0 returns all.
func (l *Log) Timeline(n int) []Event {
	out := l.Recent(0)
	slices.SortStableFunc(out, func(a, b Event) int {
		return b.Time.Compare(a.Time)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
