package docstore

import (
	"slices"
	"sync"
)

// Feed is a Subscription backed by a single-slot channel. Events carry full
// state, so when the consumer lags only the newest event is kept.
type Feed struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	onClose func() error
}

// NewFeed returns an open Feed. onClose, if set, runs once on Close.
func NewFeed(onClose func() error) *Feed {
	return &Feed{ch: make(chan Event, 1), onClose: onClose}
}

func (f *Feed) Events() <-chan Event { return f.ch }

// Publish delivers ev, replacing any undelivered event. It reports false once
// the feed is closed.
func (f *Feed) Publish(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- ev:
	default:
		select {
		case <-f.ch:
		default:
		}
		f.ch <- ev
	}
	return true
}

// Fail publishes a terminal error and closes the feed without running onClose.
func (f *Feed) Fail(err error) {
	f.Publish(Event{Err: err})
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		return onClose()
	}
	return nil
}

func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SortSnapshots orders snapshots ascending by field, ties broken by id.
func SortSnapshots(snaps []Snapshot, field string) {
	slices.SortStableFunc(snaps, func(a, b Snapshot) int {
		if field != "" {
			if c := Compare(a.Fields[field], b.Fields[field]); c != 0 {
				return c
			}
		}
		return Compare(a.ID, b.ID)
	})
}
