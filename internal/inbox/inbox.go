// Package inbox keeps the most recent webhook messages in memory.
package inbox

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 50

// Message is one webhook message.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"message"`
	Source     string    `json:"source"`
	Channel    string    `json:"channel,omitempty"`
	ReceivedAt time.Time `json:"timestamp"`
	// Posted is true when the message reached the chat channel.
	Posted bool `json:"posted"`
}

// Inbox is a bounded ring of messages. The oldest message is dropped when
// the ring is full.
type Inbox struct {
	mu   sync.RWMutex
	buf  []Message
	next int
	full bool
	now  func() time.Time
}

// New creates an inbox holding at most size messages.
func New(size int) *Inbox {
	if size <= 0 {
		size = DefaultSize
	}
	return &Inbox{buf: make([]Message, size), now: time.Now}
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Add stores a message, assigning its ID and timestamp, and returns it.
func (b *Inbox) Add(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg.ReceivedAt = b.now()
	msg.ID = newID(msg.ReceivedAt)

	b.buf[b.next] = msg
	b.next = (b.next + 1) % len(b.buf)
	if b.next == 0 {
		b.full = true
	}
	return msg
}

// MarkPosted flags a stored message as delivered to chat.
func (b *Inbox) MarkPosted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.buf {
		if b.buf[i].ID == id && id != "" {
			b.buf[i].Posted = true
			return true
		}
	}
	return false
}

// Len returns the number of stored messages.
func (b *Inbox) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.buf)
	}
	return b.next
}

// List returns every stored message, oldest first.
func (b *Inbox) List() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		return append([]Message(nil), b.buf[:b.next]...)
	}
	out := make([]Message, 0, len(b.buf))
	out = append(out, b.buf[b.next:]...)
	return append(out, b.buf[:b.next]...)
}

// Recent returns up to n messages, newest first.
func (b *Inbox) Recent(n int) []Message {
	all := b.List()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Message, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Clear drops every message and returns how many were removed.
func (b *Inbox) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.buf)
	}
	clear(b.buf)
	b.next, b.full = 0, false
	return n
}

// CountSince counts messages received at or after t.
func (b *Inbox) CountSince(t time.Time) int {
	var n int
	for _, m := range b.List() {
		if !m.ReceivedAt.Before(t) {
			n++
		}
	}
	return n
}
