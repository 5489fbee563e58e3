package notification

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	tb "gopkg.in/tucnak/telebot.v2"
)

// telegramClient is the part of *tb.Bot used here.
type telegramClient interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

// Telegram sends messages to a fixed list of users. It only talks; no
// commands are handled.
type Telegram struct {
	client telegramClient
	users  []int64
}

// NewTelegram connects a bot with token.
func NewTelegram(token string, users []int64) (*Telegram, error) {
	if len(users) == 0 {
		return nil, errors.New("telegram: no users to notify")
	}

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{client: client, users: users}, nil
}

// Send delivers text to every user and returns the failures joined.
func (t *Telegram) Send(text string) error {
	var errs []error
	for _, user := range t.users {
		if _, err := t.client.Send(&tb.User{ID: user}, text); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", user, err))
		}
	}
	return errors.Join(errs...)
}

// Notify sends a message to all users
func (t *Telegram) Notify(text string) {
	if err := t.Send(text); err != nil {
		log.WithError(err).Error("notification/telegram: failed to send notification")
	}
}
