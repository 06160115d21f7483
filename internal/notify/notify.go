// Package notify mails batch summaries.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"planscraper/internal/components/telemetry"
	"planscraper/internal/orchestrator"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jordan-wright/email"
)

const report_send = "mailer.send"

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && c.EmailAddress != "" && len(c.To) > 0
}

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

// Mailer sends batch summaries, it does nothing when smtp is not configured.
type Mailer struct {
	config SmtpConfig
	tel    telemetry.API
	send   sendFunc
}

func NewMailer(config SmtpConfig, tel telemetry.API) Mailer {
	return Mailer{
		config: config,
		tel:    telemetry.NewScopedAPI("notify", tel),
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

// FormatSummary renders a batch summary as plain text.
func FormatSummary(summary orchestrator.BatchSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s\n", summary.RunId)
	fmt.Fprintf(&b, "Started:  %s\nFinished: %s\n", summary.StartedAt, summary.FinishedAt)
	fmt.Fprintf(&b, "Completed %d of %d, %d failed.\n\n", len(summary.Completed), summary.Total, len(summary.Failed))

	if len(summary.Failed) > 0 {
		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Case", "Error"})
		for _, failure := range summary.Failed {
			t.AppendRow(table.Row{failure.Id, failure.Error})
		}
		b.WriteString(t.Render())
		b.WriteString("\n")
	}
	return b.String()
}

// SendBatchSummary mails the summary. Failures are reported and never
// returned, a batch does not fail because its summary could not be sent.
func (m Mailer) SendBatchSummary(ctx context.Context, summary orchestrator.BatchSummary) {
	if !m.config.Enabled() {
		return
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("planscraper <%s>", m.config.EmailAddress)
	mail.To = m.config.To
	mail.Subject = fmt.Sprintf(
		"planscraper batch: %d completed, %d failed",
		len(summary.Completed),
		len(summary.Failed),
	)
	mail.Text = []byte(FormatSummary(summary))

	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	err := m.send(mail, addr, smtp.PlainAuth("", m.config.EmailAddress, m.config.Password, m.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, addr, nil)
	}
	if err != nil {
		m.tel.ReportWarning(report_send, err)
	}
}
