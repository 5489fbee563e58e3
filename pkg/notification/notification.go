// Package notification delivers progress messages to people. Delivery is
// best effort: failures are logged and never returned to the caller.
package notification

import (
	log "github.com/sirupsen/logrus"
)

// Notifier receives human readable progress messages.
type Notifier interface {
	Notify(text string)
}

// Sender delivers one message and reports failures.
type Sender interface {
	Send(text string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(string) {}

// Multi fans a message out to every notifier, in order.
type Multi []Notifier

func (m Multi) Notify(text string) {
	for _, n := range m {
		notifySafely(n, text)
	}
}

// notifySafely keeps one misbehaving notifier from stopping the others.
func notifySafely(n Notifier, text string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("notification: notifier panicked")
		}
	}()
	n.Notify(text)
}
