// usage_retention.go implements the UsageRetentionJob. The api_key_usage ledger grows
// by one row per admitted request; rows older than ledger.retention no longer
// influence any rate-limit window and are pruned in id-ordered batches. When
// ledger.archive is set each batch is first written to the storage backend as
// NDJSON and only deleted once the stored checksum matches the local one.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/storage"
	"github.com/laasy/corptravel/internal/telemetry"
	"github.com/laasy/corptravel/pkg/checksum"
)

// UsageLedger reads and prunes old ledger rows
type UsageLedger interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.APIKeyUsage, error)
	DeleteUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error)
}

// archivedUsage is one NDJSON line in an archive object
type archivedUsage struct {
	ID        int64     `json:"id"`
	APIKeyID  int64     `json:"api_key_id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageRetentionJob prunes, and optionally archives, expired ledger rows
type UsageRetentionJob struct {
	ledger    UsageLedger
	archive   storage.Storage
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewUsageRetentionJob creates the job. archive may be nil; it is only used when
// cfg.Archive is true.
func NewUsageRetentionJob(ledger UsageLedger, archive storage.Storage, cfg *config.LedgerConfig) *UsageRetentionJob {
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	if !cfg.Archive {
		archive = nil
	}
	return &UsageRetentionJob{
		ledger:    ledger,
		archive:   archive,
		retention: cfg.Retention,
		interval:  interval,
		batchSize: batch,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start prunes immediately and then on every interval. It blocks; run it in a goroutine.
func (j *UsageRetentionJob) Start(ctx context.Context) {
	if j.retention <= 0 {
		slog.Info("usage retention disabled", "reason", "ledger.retention=0")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("usage retention started",
		"retention", j.retention, "interval", j.interval, "archive", j.archive != nil)
	j.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.runOnce(ctx)
		case <-j.stopChan:
			slog.Info("usage retention stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (j *UsageRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *UsageRetentionJob) runOnce(ctx context.Context) {
	start := time.Now()
	deleted, err := j.Prune(ctx)
	telemetry.LedgerPruneDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("usage retention: prune failed", "deleted", deleted, "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("usage retention: pruned ledger", "deleted", deleted)
	}
}

// Prune removes every row older than the retention period and returns how many
// rows were deleted. A batch whose archive upload fails is left in place.
func (j *UsageRetentionJob) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := j.ledger.ListBefore(ctx, cutoff, j.batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired usage: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		lastID := batch[len(batch)-1].ID

		if j.archive != nil {
			if err := j.archiveBatch(ctx, batch); err != nil {
				return total, err
			}
			telemetry.LedgerArchivedRowsTotal.Add(float64(len(batch)))
		}

		n, err := j.ledger.DeleteUpTo(ctx, cutoff, lastID)
		if err != nil {
			return total, err
		}
		total += n
		telemetry.LedgerPrunedRowsTotal.Add(float64(n))

		if len(batch) < j.batchSize {
			return total, nil
		}
	}
}

func (j *UsageRetentionJob) archiveBatch(ctx context.Context, batch []*models.APIKeyUsage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, u := range batch {
		if err := enc.Encode(archivedUsage{
			ID:        u.ID,
			APIKeyID:  u.APIKeyID,
			Endpoint:  u.Endpoint,
			Method:    u.Method,
			IPAddress: u.IPAddress,
			UserAgent: u.UserAgent,
			CreatedAt: u.CreatedAt.UTC(),
		}); err != nil {
			return fmt.Errorf("encode usage row %d: %w", u.ID, err)
		}
	}

	want, err := checksum.CalculateSHA256(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}

	path := archivePath(batch[0], batch[len(batch)-1].ID)
	res, err := j.archive.Upload(ctx, path, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	if res.Checksum != want {
		return fmt.Errorf("archive %s: checksum mismatch (stored %s, expected %s)", path, res.Checksum, want)
	}
	slog.Debug("usage retention: archived batch", "path", path, "rows", len(batch), "bytes", res.Size)
	return nil
}

// archivePath names an archive object by the day of its first row and its id range
func archivePath(first *models.APIKeyUsage, lastID int64) string {
	return fmt.Sprintf("usage/%s/%d-%d-%s.ndjson",
		first.CreatedAt.UTC().Format("2006/01/02"), first.ID, lastID, uuid.NewString())
}
