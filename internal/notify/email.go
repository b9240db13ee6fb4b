// Package notify delivers alert notifications outside the API.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/splax/pulse/internal/domain"
)

// ProjectLookup resolves the recipient of a project's alerts.
type ProjectLookup interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Addr      string
	Username  string
	Password  string
	From      string
	PerMinute int
	Attempts  int
	RetryBase time.Duration
	Timeout   time.Duration
}

// EmailNotifier emails the project owner whenever an alert fires. Delivery
// happens in the background and failures are only logged.
type EmailNotifier struct {
	cfg      EmailConfig
	auth     smtp.Auth
	send     SendFunc
	limiter  *rate.Limiter
	projects ProjectLookup
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewEmailNotifier returns nil when no SMTP server is configured.
func NewEmailNotifier(cfg EmailConfig, projects ProjectLookup, logger *slog.Logger) *EmailNotifier {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.From == "" {
		cfg.From = "alerts@pulse.local"
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		host := cfg.Addr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &EmailNotifier{
		cfg:      cfg,
		auth:     auth,
		send:     smtp.SendMail,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
		projects: projects,
		logger:   logger.With("component", "email_notifier"),
	}
}

// AlertFired queues an email for alert.
func (n *EmailNotifier) AlertFired(ctx context.Context, alert domain.Alert) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.Timeout)
		defer cancel()
		if err := n.deliver(sendCtx, alert); err != nil {
			n.logger.Error("alert email failed", "alert_id", alert.ID, "project_id", alert.ProjectID, "error", err)
		}
	}()
}

// Wait blocks until queued emails have been attempted.
func (n *EmailNotifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *EmailNotifier) deliver(ctx context.Context, alert domain.Alert) error {
	project, err := n.projects.GetProjectByID(ctx, alert.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if strings.TrimSpace(project.Email) == "" {
		n.logger.Warn("no email configured for project, skipping alert email", "project_id", project.ID)
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	msg := BuildMessage(n.cfg.From, project, alert)
	backoff := retry.WithMaxRetries(uint64(n.cfg.Attempts), retry.NewExponential(n.cfg.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.send(n.cfg.Addr, n.auth, n.cfg.From, []string{project.Email}, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// BuildMessage renders the RFC 5322 message for an alert.
func BuildMessage(from string, project *domain.Project, alert domain.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", project.Email)
	fmt.Fprintf(&b, "Subject: [ALERT] %s violated\r\n", alert.Metric)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString("Alert Triggered\r\n\r\n")
	fmt.Fprintf(&b, "Project: %s\r\n", project.Name)
	fmt.Fprintf(&b, "Policy: %s\r\n", alert.PolicyName)
	fmt.Fprintf(&b, "Metric: %s\r\n", alert.Metric)
	fmt.Fprintf(&b, "Threshold: %s %s\r\n", alert.Comparison, strconv.FormatFloat(alert.Threshold, 'f', -1, 64))
	fmt.Fprintf(&b, "Actual Value: %s\r\n", strconv.FormatFloat(alert.Value, 'f', -1, 64))
	fmt.Fprintf(&b, "Severity: %s\r\n", alert.Severity)
	fmt.Fprintf(&b, "Triggered At: %s\r\n\r\n", alert.TriggeredAt.UTC().Format(time.RFC3339))
	b.WriteString("Please investigate.\r\n")
	return []byte(b.String())
}
