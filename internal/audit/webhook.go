package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/laasy/corptravel/internal/safego"
)

// WebhookOptions configures a WebhookShipper
type WebhookOptions struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize > 0 queues entries and posts them as a JSON array
	BatchSize     int
	FlushInterval time.Duration
}

// WebhookShipper POSTs audit entries as JSON
type WebhookShipper struct {
	opts      WebhookOptions
	client    *http.Client
	queue     chan *LogEntry
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper; with batching enabled it starts a flusher
func NewWebhookShipper(opts WebhookOptions) (*WebhookShipper, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		queue:  make(chan *LogEntry, 1000),
		done:   make(chan struct{}),
	}
	if opts.BatchSize > 0 {
		stopped := make(chan struct{})
		safego.Go("audit-webhook-batcher", func() {
			defer close(stopped)
			ws.runBatcher()
		})
		ws.done = stopped
	}
	return ws, nil
}

func (ws *WebhookShipper) runBatcher() {
	ticker := time.NewTicker(ws.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, ws.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ws.post(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-ws.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= ws.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (ws *WebhookShipper) post(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.opts.Timeout)
	defer cancel()
	if err := ws.send(ctx, data); err != nil {
		slog.Warn("failed to send audit batch", "error", err)
	}
}

// Ship queues the entry when batching, or posts it immediately otherwise. A full
// queue falls back to a direct post.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.opts.BatchSize > 0 {
		select {
		case ws.queue <- entry:
			return nil
		default:
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return ws.send(ctx, data)
}

func (ws *WebhookShipper) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.opts.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes any queued entries and stops the batcher. Ship must not be called
// after Close.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		if ws.opts.BatchSize > 0 {
			close(ws.queue)
			<-ws.done
		}
	})
	return nil
}
