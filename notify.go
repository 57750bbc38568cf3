package trybesync

import (
	"sync"
	"time"

	"github.com/trybe-app/trybesync/pkg/models"
)

type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Notification is a toast-style message for the user.
type Notification struct {
	Level   Level          `json:"level"`
	Op      string         `json:"op"`
	GroupID models.GroupID `json:"group_id,omitempty"`
	Kind    Kind           `json:"-"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	At      time.Time      `json:"at"`
}

type Notifier interface {
	Notify(Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// ChannelNotifier buffers notifications on a channel. When the buffer is full
// new notifications are dropped.
type ChannelNotifier struct {
	ch chan Notification
}

func NewChannelNotifier(size int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan Notification, size)}
}

func (c *ChannelNotifier) C() <-chan Notification { return c.ch }

func (c *ChannelNotifier) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
	}
}

// Notifiers fans a notification out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

type ChangeKind int

const (
	ChangeGroups ChangeKind = iota + 1
	ChangeMessages
	ChangeUnread
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeGroups:
		return "groups"
	case ChangeMessages:
		return "messages"
	case ChangeUnread:
		return "unread"
	default:
		return "unknown"
	}
}

// Change tells observers which part of the local model to re-read.
type Change struct {
	Kind    ChangeKind     `json:"kind"`
	GroupID models.GroupID `json:"group_id,omitempty"`
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(Change)
}

// on registers fn and returns its removal function.
func (o *observers) on(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Change))
	}
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	o.mu.RLock()
	fns := make([]func(Change), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, c := range changes {
		for _, fn := range fns {
			func() {
				defer func() { _ = recover() }() // observer panics must not reach engine goroutines
				fn(c)
			}()
		}
	}
}
