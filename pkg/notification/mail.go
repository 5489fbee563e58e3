package notification

import (
	"fmt"
	"net/smtp"

	log "github.com/sirupsen/logrus"
)

// Mail handles email notifications
type Mail struct {
	auth              smtp.Auth
	smtpServerPort    int
	smtpServerAddress string
	to                string
	from              string
	subject           string
	send              func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// MailParams contains all parameters needed to initialize a Mail instance
type MailParams struct {
	SMTPServerPort    int
	SMTPServerAddress string
	To                string
	From              string
	Password          string
	Subject           string
}

// NewMail creates a new Mail instance with the provided parameters
func NewMail(params MailParams) *Mail {
	subject := params.Subject
	if subject == "" {
		subject = "hyperforge"
	}
	return &Mail{
		from:              params.From,
		to:                params.To,
		subject:           subject,
		smtpServerPort:    params.SMTPServerPort,
		smtpServerAddress: params.SMTPServerAddress,
		auth: smtp.PlainAuth(
			"",
			params.From,
			params.Password,
			params.SMTPServerAddress,
		),
		send: smtp.SendMail,
	}
}

func (m *Mail) message(text string) []byte {
	return []byte(fmt.Sprintf("To: <%s>\r\nFrom: \"hyperforge\" <%s>\r\nSubject: %s\r\n\r\n%s\r\n",
		m.to, m.from, m.subject, text))
}

// Send delivers text as one email.
func (m *Mail) Send(text string) error {
	serverAddress := fmt.Sprintf("%s:%d", m.smtpServerAddress, m.smtpServerPort)
	return m.send(serverAddress, m.auth, m.from, []string{m.to}, m.message(text))
}

// Notify sends an email notification with the given text
func (m *Mail) Notify(text string) {
	if err := m.Send(text); err != nil {
		log.WithError(err).Error("notification/mail: failed to send email")
	}
}
