package automation

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"uniapply-backend/internal/components/telemetry"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/codes"
)

// Escalation asks an operator to take over a suspended task.
type Escalation struct {
	TaskID     string
	ClientID   string
	University string
	CourseCode string
	Step       string
	Reason     string
	PageURL    string
}

// Notifier delivers escalations, delivery failures never change the task.
type Notifier interface {
	Notify(ctx context.Context, esc Escalation) error
}

// LogNotifier only reports escalations through telemetry.
type LogNotifier struct {
	Tel telemetry.API
}

func (n LogNotifier) Notify(_ context.Context, esc Escalation) error {
	n.Tel.ReportWarning("notifier.escalation", esc.TaskID, esc.University, esc.Step, esc.Reason)
	return nil
}

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	Operators    []string `json:"operators"`
}

// EmailNotifier mails every operator in the config.
type EmailNotifier struct {
	cfg SmtpConfig
}

func NewEmailNotifier(cfg SmtpConfig) EmailNotifier {
	return EmailNotifier{cfg: cfg}
}

func (n EmailNotifier) Notify(ctx context.Context, esc Escalation) error {
	_, span := tracer.Start(ctx, "EmailNotifier.Notify")
	defer span.End()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("UniApply <%s>", n.cfg.EmailAddress)
	mail.To = n.cfg.Operators
	mail.Subject = fmt.Sprintf("Application needs a human: %s %s", esc.University, esc.CourseCode)

	body := fmt.Sprintf(`A session was suspended and is waiting for an operator.

Task:       %s
Client:     %s
University: %s
Course:     %s
Step:       %s
Reason:     %s
Page:       %s

Clear the challenge on the portal, then resume the task with
POST /api/applications/%s/resume`,
		esc.TaskID, esc.ClientID, esc.University, esc.CourseCode, esc.Step, esc.Reason, esc.PageURL, esc.TaskID)
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", n.cfg.Server, n.cfg.Port)
	err := mail.Send(addr, smtp.PlainAuth("", n.cfg.EmailAddress, n.cfg.Password, n.cfg.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send escalation")
		return err
	}
	return nil
}
