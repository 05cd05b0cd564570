// Package audit ships audit records for API key and travel-data mutations to external
// destinations. Records are also stored in the audit_logs table by the audit middleware;
// shippers exist so a SIEM can receive them without reading the database.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/laasy/corptravel/internal/config"
)

// LogEntry is the shipped form of an audit record
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	RequestID    string                 `json:"request_id,omitempty"`
	APIKeyID     int64                  `json:"api_key_id,omitempty"`
	UserID       int64                  `json:"user_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	AuthMethod   string                 `json:"auth_method,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper sends audit entries to one destination
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// MultiShipper fans entries out to several shippers. A failing destination does not
// stop delivery to the others.
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper wraps the given shippers
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// FromConfig builds a MultiShipper from the audit.shippers configuration list.
// Disabled entries are skipped.
func FromConfig(cfgs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}

		var (
			s   Shipper
			err error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, errors.New("webhook config is required for webhook shipper")
			}
			s, err = NewWebhookShipper(WebhookOptions{
				URL:           cfg.Webhook.URL,
				Headers:       cfg.Webhook.Headers,
				Timeout:       time.Duration(cfg.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     cfg.Webhook.BatchSize,
				FlushInterval: time.Duration(cfg.Webhook.FlushInterval) * time.Second,
			})
		case "file":
			if cfg.File == nil {
				return nil, errors.New("file config is required for file shipper")
			}
			s, err = NewFileShipper(cfg.File.Path, cfg.File.MaxSizeMB, cfg.File.MaxBackups)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, s)
	}
	return ms, nil
}

// Len reports how many destinations are configured
func (ms *MultiShipper) Len() int { return len(ms.shippers) }

// Ship sends an entry to every destination and returns the joined errors
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper error", "action", entry.Action, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every destination
func (ms *MultiShipper) Close() error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
