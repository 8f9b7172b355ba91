package alerts

import (
	"sync"
	"sync/atomic"

	"github.com/rewired-gh/biaswatch/internal/models"
)

type subscriber struct {
	id      uint64
	onAlert func(models.AlertEvent)
	onError func(error)
	active  atomic.Bool
}

// Unsubscribe detaches a subscriber. It is safe to call more than once and
// from inside a callback.
type Unsubscribe func()

// Subscribe registers callbacks for alerts and for errors (invalid frames and
// connection failures). Either callback may be nil. Callbacks run on the
// consumer's reader goroutine, one at a time, in frame arrival order.
func (c *Consumer) Subscribe(onAlert func(models.AlertEvent), onError func(error)) Unsubscribe {
	s := &subscriber{onAlert: onAlert, onError: onError}
	s.active.Store(true)

	c.subsMu.Lock()
	c.nextSub++
	s.id = c.nextSub
	c.subs = append(c.subs, s)
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			for i, existing := range c.subs {
				if existing.id == s.id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribers returns the number of registered subscribers
func (c *Consumer) Subscribers() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

func (c *Consumer) deliver(fn func(s *subscriber)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.State() == Closed {
		return
	}

	c.subsMu.Lock()
	subs := make([]*subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			fn(s)
		}
	}
}
