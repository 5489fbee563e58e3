package notification

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Retrying delivers messages in the background, retrying failed sends with
// exponential backoff. Messages still failing after the last attempt are
// logged and dropped.
type Retrying struct {
	sender   Sender
	attempts int
	min      time.Duration
	max      time.Duration
	sleep    func(time.Duration)
	wg       sync.WaitGroup
}

// RetryOption configures a Retrying notifier.
type RetryOption func(*Retrying)

// WithAttempts bounds the number of sends per message.
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) {
		r.attempts = max(n, 1)
	}
}

// WithBackoff sets the delay bounds between attempts.
func WithBackoff(min, max time.Duration) RetryOption {
	return func(r *Retrying) {
		r.min = min
		r.max = max
	}
}

// NewRetrying wraps sender.
func NewRetrying(sender Sender, options ...RetryOption) *Retrying {
	r := &Retrying{
		sender:   sender,
		attempts: 3,
		min:      time.Second,
		max:      30 * time.Second,
		sleep:    time.Sleep,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Notify queues text for delivery and returns immediately.
func (r *Retrying) Notify(text string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(text)
	}()
}

func (r *Retrying) deliver(text string) {
	b := &backoff.Backoff{Min: r.min, Max: r.max, Factor: 2, Jitter: true}

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.sender.Send(text); err == nil {
			return
		}
		if attempt < r.attempts {
			r.sleep(b.Duration())
		}
	}
	log.WithError(err).WithField("attempts", r.attempts).Error("notification: giving up on message")
}

// Wait blocks until every queued message was delivered or dropped.
func (r *Retrying) Wait() {
	r.wg.Wait()
}
