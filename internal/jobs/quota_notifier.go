// quota_notifier.go implements the QuotaNotifier background job. It scans for keys
// whose usage in the current rate-limit window has crossed
// notifications.quota_warning_percent of their quota and emails the owning user.
// quota_notification_sent_at is persisted so each key is warned at most once per
// window, across restarts and replicas. The job is a no-op when notifications are
// disabled or no SMTP host is configured.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/services"
	"github.com/laasy/corptravel/internal/telemetry"
)

// QuotaStore finds keys near their quota and records sent warnings
type QuotaStore interface {
	FindKeysNearQuota(ctx context.Context, windowStart time.Time, percent int) ([]repositories.QuotaUsage, error)
	MarkQuotaNotificationSent(ctx context.Context, id int64, at time.Time) error
}

// UserLookup resolves the owner of a key
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// Mailer delivers one plain-text message
type Mailer interface {
	Send(to, subject, body string) error
}

// QuotaNotifier periodically emails owners of keys that are close to their quota
type QuotaNotifier struct {
	keys     QuotaStore
	users    UserLookup
	mailer   Mailer
	cfg      *config.NotificationsConfig
	window   time.Duration
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewQuotaNotifier creates a QuotaNotifier. window is the rate-limit lookback; the
// check interval defaults to 5 minutes and the threshold to 80 percent.
func NewQuotaNotifier(keys QuotaStore, users UserLookup, cfg *config.NotificationsConfig, window time.Duration) *QuotaNotifier {
	interval := cfg.QuotaCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &QuotaNotifier{
		keys:     keys,
		users:    users,
		mailer:   &SMTPMailer{cfg: &cfg.SMTP},
		cfg:      cfg,
		window:   window,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether Start would do any work
func (n *QuotaNotifier) Enabled() bool {
	return n.cfg.Enabled && n.cfg.SMTP.Host != ""
}

// Start runs a check immediately and then on every interval until ctx is cancelled
// or Stop is called. It blocks; run it in a goroutine.
func (n *QuotaNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("quota notifier disabled", "reason", "notifications.enabled=false")
		return
	}
	if n.cfg.SMTP.Host == "" {
		slog.Info("quota notifier disabled", "reason", "notifications.smtp.host not set")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("quota notifier started", "interval", n.interval, "threshold_percent", n.threshold())
	n.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			n.runCheck(ctx)
		case <-n.stopChan:
			slog.Info("quota notifier stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (n *QuotaNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
}

func (n *QuotaNotifier) threshold() int {
	p := n.cfg.QuotaWarningPercent
	if p <= 0 || p > 100 {
		return 80
	}
	return p
}

// runCheck sends one warning per key found. A key is only marked after its email
// went out, so a failed send is retried on the next tick.
func (n *QuotaNotifier) runCheck(ctx context.Context) {
	now := n.now()
	found, err := n.keys.FindKeysNearQuota(ctx, now.Add(-n.window), n.threshold())
	if err != nil {
		slog.Error("quota notifier: failed to query keys", "error", err)
		return
	}

	for _, q := range found {
		if q.Key.UserID == nil {
			continue
		}
		user, err := n.users.GetByID(ctx, *q.Key.UserID)
		if err != nil || user == nil || user.Email == "" {
			slog.Warn("quota notifier: owner not found", "api_key_id", q.Key.ID, "user_id", *q.Key.UserID, "error", err)
			continue
		}

		subject, body := quotaMessage(user, q, n.window)
		if err := n.mailer.Send(user.Email, subject, body); err != nil {
			slog.Error("quota notifier: failed to send email", "api_key_id", q.Key.ID, "error", err)
			continue
		}
		telemetry.QuotaWarningsSentTotal.Inc()

		if err := n.keys.MarkQuotaNotificationSent(ctx, q.Key.ID, now); err != nil {
			slog.Error("quota notifier: failed to mark notification", "api_key_id", q.Key.ID, "error", err)
		}
	}
}

func quotaMessage(u *models.User, q repositories.QuotaUsage, window time.Duration) (string, string) {
	name := services.DisplayNameFromEmail(u.Email)
	if u.Name != nil && *u.Name != "" {
		name = *u.Name
	}
	pct := 0
	if q.Key.RateLimit > 0 {
		pct = q.Used * 100 / q.Key.RateLimit
	}

	subject := fmt.Sprintf("API key '%s' has used %d%% of its quota", q.Key.AppName, pct)
	body := strings.Join([]string{
		fmt.Sprintf("Hello %s,", name),
		"",
		fmt.Sprintf("The API key '%s' made %d of its %d allowed requests in the last %s.",
			q.Key.AppName, q.Used, q.Key.RateLimit, window),
		"Requests beyond the quota are rejected with HTTP 429 until older requests leave the window.",
		"",
		"Ask an administrator for a key with a higher rate_limit if this traffic is expected.",
	}, "\r\n")
	return subject, body
}

// SMTPMailer sends mail through the configured SMTP relay
type SMTPMailer struct {
	cfg *config.SMTPConfig
}

// Send delivers a plain-text message
func (m *SMTPMailer) Send(to, subject, body string) error {
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		m.cfg.From, to, subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if m.cfg.UseTLS {
		return sendMailTLS(addr, m.cfg.Host, auth, m.cfg.From, []string{to}, msg)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
}

// sendMailTLS tries implicit TLS (port 465) and falls back to smtp.SendMail, which
// upgrades with STARTTLS when the server offers it (port 587).
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
