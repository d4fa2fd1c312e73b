package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"chronos/internal/ledger"
	"chronos/pkg/email"
	"chronos/pkg/logging"
	"chronos/pkg/models"
)

// NotificationService delivers balance alerts and top-up receipts. Delivery
// is best-effort: a failed notification is logged and counted, never
// surfaced to the ledger operation that triggered it.
type NotificationService struct {
	sender *email.Sender
	logger logging.Logger
	tmpl   *template.Template
}

var notificationTemplates = map[string]string{
	"low_balance": `
<html>
<body style="font-family: Arial, sans-serif;">
  <h2>Your balance is running low</h2>
  <p>Hi {{.Username}},</p>
  <p>Your prepaid balance is down to <strong>{{.Balance}}</strong>, which
  covers roughly <strong>{{.MinutesLeft}} minutes</strong> at your current
  rate.</p>
  <p>Top up now to keep your service running without interruption.</p>
</body>
</html>`,
	"topup_receipt": `
<html>
<body style="font-family: Arial, sans-serif;">
  <h2>Top-up received</h2>
  <p>Hi {{.Username}},</p>
  <p>We added <strong>{{.Amount}}</strong> to your balance on
  {{.Date}}.</p>
  <p>Reference: {{.Reference}}</p>
</body>
</html>`,
}

// NewNotificationService parses the notification templates and binds the
// mail sender.
func NewNotificationService(sender *email.Sender, logger logging.Logger) (*NotificationService, error) {
	tmpl := template.New("notifications")
	for name, body := range notificationTemplates {
		var err error
		tmpl, err = tmpl.New(name).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
	}

	return &NotificationService{
		sender: sender,
		logger: logger,
		tmpl:   tmpl,
	}, nil
}

// SendLowBalanceAlert emails the account about a nearly depleted timer and
// logs an SMS in place of a gateway call.
func (n *NotificationService) SendLowBalanceAlert(ctx context.Context, candidate ledger.LowBalanceTimer) {
	data := map[string]string{
		"Username":    candidate.Username,
		"Balance":     candidate.Balance.StringFixed(2),
		"MinutesLeft": candidate.MinutesLeft.StringFixed(0),
	}
	n.deliverEmail(candidate.Email, "Your balance is running low", "low_balance", data)
	n.deliverSMS(candidate.Phone, fmt.Sprintf("Low balance: %s left (~%s min). Top up to stay online.",
		candidate.Balance.StringFixed(2), candidate.MinutesLeft.StringFixed(0)))
}

// SendTopupReceipt emails a confirmation for a recorded top-up.
func (n *NotificationService) SendTopupReceipt(ctx context.Context, account *models.Account, record *models.TopupRecord) {
	data := map[string]string{
		"Username":  account.Username,
		"Amount":    record.Amount.StringFixed(2),
		"Date":      record.CreatedAt.Format("2006-01-02 15:04 UTC"),
		"Reference": record.ID,
	}
	n.deliverEmail(account.Email, "Top-up received", "topup_receipt", data)
}

func (n *NotificationService) deliverEmail(to, subject, templateName string, data map[string]string) {
	if to == "" {
		metrics.Notifications.WithLabelValues("email", "skipped").Inc()
		return
	}
	if n.sender == nil || !n.sender.IsConfigured() {
		n.logger.WithField("to", to).Warn("SMTP not configured, dropping notification")
		metrics.Notifications.WithLabelValues("email", "skipped").Inc()
		return
	}

	var body bytes.Buffer
	if err := n.tmpl.ExecuteTemplate(&body, templateName, data); err != nil {
		n.logger.WithFields(logging.Fields{
			"template": templateName,
			"error":    err,
		}).Error("Failed to render notification")
		metrics.Notifications.WithLabelValues("email", "failed").Inc()
		return
	}

	if err := n.sender.SendMail(to, subject, body.String()); err != nil {
		n.logger.WithFields(logging.Fields{
			"to":    to,
			"error": err,
		}).Error("Failed to send notification email")
		metrics.Notifications.WithLabelValues("email", "failed").Inc()
		return
	}
	metrics.Notifications.WithLabelValues("email", "sent").Inc()
}

// deliverSMS logs the message instead of calling out. There is no SMS
// gateway in this deployment yet; the log line keeps the alert auditable.
func (n *NotificationService) deliverSMS(phone, message string) {
	if phone == "" {
		metrics.Notifications.WithLabelValues("sms", "skipped").Inc()
		return
	}
	n.logger.WithFields(logging.Fields{
		"phone":   phone,
		"message": message,
	}).Info("SMS notification (gateway disabled, logged only)")
	metrics.Notifications.WithLabelValues("sms", "logged").Inc()
}
