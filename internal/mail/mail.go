// Package mail sends transactional email through an SMTP relay.
package mail

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/url"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"
)

// Config holds the relay settings.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	// BaseURL is the public URL of the web console used in links.
	BaseURL string
}

// Sender delivers one rendered message.
type Sender interface {
	Send(to, subject, htmlBody, plainBody string) error
}

// SMTPSender delivers through a gomail dialer.
type SMTPSender struct {
	from string
	send func(m *gomail.Message) error
}

// NewSMTPSender creates a sender for the relay described by cfg.
func NewSMTPSender(cfg Config) *SMTPSender {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return newSMTPSender(cfg, dialer.DialAndSend)
}

func newSMTPSender(cfg Config, send func(m ...*gomail.Message) error) *SMTPSender {
	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = gomail.NewMessage().FormatAddress(cfg.FromAddress, cfg.FromName)
	}
	return &SMTPSender{
		from: from,
		send: func(m *gomail.Message) error { return send(m) },
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody, plainBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", plainBody)
	m.AddAlternative("text/html", htmlBody)

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// LogSender is used when no relay is configured. It only logs the recipient and subject.
type LogSender struct{}

func (LogSender) Send(to, subject, _, _ string) error {
	slog.Info("email delivery disabled, dropping message", "to", to, "subject", subject)
	return nil
}

// Mailer renders the console's notifications and hands them to a Sender.
type Mailer struct {
	sender  Sender
	baseURL string
}

// NewMailer returns a Mailer. A nil sender falls back to LogSender.
func NewMailer(sender Sender, baseURL string) *Mailer {
	if sender == nil {
		sender = LogSender{}
	}
	return &Mailer{sender: sender, baseURL: baseURL}
}

// SendInvite emails a team invitation link.
func (m *Mailer) SendInvite(_ context.Context, to, inviterName, token string, expiresAt time.Time) error {
	link := m.baseURL + "/team/accept?token=" + url.QueryEscape(token)
	return m.render(to, "You're invited to join a team", "invite", map[string]interface{}{
		"Inviter":   inviterName,
		"Link":      link,
		"ExpiresAt": expiresAt.UTC().Format("January 2, 2006"),
	})
}

// SendDowngradeNotice tells a user their subscription ended and projects must be reduced.
func (m *Mailer) SendDowngradeNotice(_ context.Context, to, name string, deadline time.Time, projectCount, limit int) error {
	return m.render(to, "Your subscription has ended", "downgrade_notice", map[string]interface{}{
		"Name":     name,
		"Deadline": deadline.UTC().Format("January 2, 2006 15:04 MST"),
		"Projects": projectCount,
		"Limit":    limit,
		"Link":     m.baseURL + "/billing",
	})
}

// SendDowngradeEnforced tells a user their project quota has been lowered.
func (m *Mailer) SendDowngradeEnforced(_ context.Context, to, name string, limit int) error {
	return m.render(to, "Your project limit has changed", "downgrade_enforced", map[string]interface{}{
		"Name":  name,
		"Limit": limit,
		"Link":  m.baseURL + "/billing",
	})
}

// SendPaymentFailed tells an owner an invoice payment did not go through.
func (m *Mailer) SendPaymentFailed(_ context.Context, to, name string, amountDueCents int64, currency, invoiceURL string) error {
	amount := decimal.New(amountDueCents, -2).StringFixed(2)
	link := invoiceURL
	if link == "" {
		link = m.baseURL + "/billing"
	}
	return m.render(to, "Payment failed", "payment_failed", map[string]interface{}{
		"Name":     name,
		"Amount":   amount,
		"Currency": currency,
		"Link":     link,
	})
}

// SendSpendingAlert tells an owner a spending-cap threshold was crossed this month.
func (m *Mailer) SendSpendingAlert(_ context.Context, to, name string, threshold int, spent, limit decimal.Decimal) error {
	return m.render(to, fmt.Sprintf("You've reached %d%% of your spending cap", threshold), "spending_alert", map[string]interface{}{
		"Name":      name,
		"Threshold": threshold,
		"Spent":     spent.StringFixed(2),
		"Cap":       limit.StringFixed(2),
		"Link":      m.baseURL + "/billing",
	})
}

func (m *Mailer) render(to, subject, name string, data map[string]interface{}) error {
	var htmlBuf, textBuf bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&htmlBuf, name, data); err != nil {
		return fmt.Errorf("render %s html: %w", name, err)
	}
	if err := textTemplates.ExecuteTemplate(&textBuf, name, data); err != nil {
		return fmt.Errorf("render %s text: %w", name, err)
	}
	return m.sender.Send(to, subject, htmlBuf.String(), textBuf.String())
}

var htmlTemplates = htmltemplate.Must(htmltemplate.New("mail").Parse(`
{{define "invite"}}<html><body>
<h2>Join {{.Inviter}}'s team</h2>
<p>{{.Inviter}} invited you to collaborate on their ML platform projects.</p>
<p><a href="{{.Link}}">Accept invitation</a></p>
<p>This invitation expires on {{.ExpiresAt}}.</p>
</body></html>{{end}}

{{define "downgrade_notice"}}<html><body>
<h2>Hi {{.Name}},</h2>
<p>Your subscription has ended and your account is now on the free tier.</p>
<p>{{if .Projects}}You currently have {{.Projects}} projects. {{end}}The free tier allows {{.Limit}}.
Please delete projects down to the limit before {{.Deadline}}, after which no new projects can be created.</p>
<p><a href="{{.Link}}">Manage billing</a></p>
</body></html>{{end}}

{{define "downgrade_enforced"}}<html><body>
<h2>Hi {{.Name}},</h2>
<p>Your grace period has ended. Your project limit is now {{.Limit}}. Existing projects were not deleted.</p>
<p><a href="{{.Link}}">Upgrade your plan</a></p>
</body></html>{{end}}

{{define "payment_failed"}}<html><body>
<h2>Hi {{.Name}},</h2>
<p>We could not collect a payment of {{.Amount}} {{.Currency}}. We will retry automatically.</p>
<p><a href="{{.Link}}">Update your payment method</a></p>
</body></html>{{end}}

{{define "spending_alert"}}<html><body>
<h2>Hi {{.Name}},</h2>
<p>Your spend this month is ${{.Spent}}, which is {{.Threshold}}% of your ${{.Cap}} cap.</p>
<p><a href="{{.Link}}">Review usage</a></p>
</body></html>{{end}}
`))

var textTemplates = texttemplate.Must(texttemplate.New("mail").Parse(`
{{define "invite"}}{{.Inviter}} invited you to collaborate on their ML platform projects.

Accept the invitation: {{.Link}}

This invitation expires on {{.ExpiresAt}}.
{{end}}

{{define "downgrade_notice"}}Hi {{.Name}},

Your subscription has ended and your account is now on the free tier.
{{if .Projects}}You currently have {{.Projects}} projects. {{end}}The free tier allows {{.Limit}}.
Please delete projects down to the limit before {{.Deadline}}.

Manage billing: {{.Link}}
{{end}}

{{define "downgrade_enforced"}}Hi {{.Name}},

Your grace period has ended. Your project limit is now {{.Limit}}. Existing projects were not deleted.

Upgrade: {{.Link}}
{{end}}

{{define "payment_failed"}}Hi {{.Name}},

We could not collect a payment of {{.Amount}} {{.Currency}}. We will retry automatically.

Update your payment method: {{.Link}}
{{end}}

{{define "spending_alert"}}Hi {{.Name}},

Your spend this month is ${{.Spent}}, which is {{.Threshold}}% of your ${{.Cap}} cap.

Review usage: {{.Link}}
{{end}}
`))
