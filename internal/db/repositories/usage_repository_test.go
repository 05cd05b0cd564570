package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/laasy/corptravel/internal/db/models"
)

var usageCols = []string{"id", "api_key_id", "endpoint", "method", "ip_address", "user_agent", "created_at"}

func newUsageRepo(t *testing.T) (*UsageRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUsageRepository(db), mock
}

func sampleUsage(at time.Time) *models.APIKeyUsage {
	return &models.APIKeyUsage{
		Endpoint:  "/trips",
		Method:    "GET",
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8",
		CreatedAt: at,
	}
}

// ---------------------------------------------------------------------------
// Admit
// ---------------------------------------------------------------------------

func TestAdmit_UnderLimit(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()
	start := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id.*FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sampleAPIKeyRow()) // rate_limit 2
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage").
		WithArgs(int64(7), start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO api_key_usage").
		WithArgs(int64(7), "/trips", "GET", "10.0.0.1", "curl/8", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectExec("UPDATE api_keys SET last_used").
		WithArgs(now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := sampleUsage(now)
	res, err := repo.Admit(context.Background(), 7, rec, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Admitted {
		t.Fatal("Admitted = false, want true")
	}
	if res.Count != 2 {
		t.Errorf("Count = %d, want 2", res.Count)
	}
	if rec.ID != 100 || rec.APIKeyID != 7 {
		t.Errorf("rec = %+v, want id 100 for key 7", rec)
	}
	if res.Key.LastUsed == nil || !res.Key.LastUsed.Equal(now) {
		t.Errorf("LastUsed = %v, want %v", res.Key.LastUsed, now)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmit_AtLimitRejectsWithoutWriting(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id.*FOR UPDATE").
		WillReturnRows(sampleAPIKeyRow()) // rate_limit 2
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	res, err := repo.Admit(context.Background(), 7, sampleUsage(now), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Admitted {
		t.Error("Admitted = true, want false at limit")
	}
	if res.Key == nil {
		t.Error("Key should be populated for a rate-limited admission")
	}
	if res.Count != 2 {
		t.Errorf("Count = %d, want 2", res.Count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmit_KeyGone(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))
	mock.ExpectRollback()

	res, err := repo.Admit(context.Background(), 7, sampleUsage(now), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key != nil || res.Admitted {
		t.Errorf("res = %+v, want empty admission", res)
	}
}

func TestAdmit_InsertErrorRollsBack(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id.*FOR UPDATE").
		WillReturnRows(sampleAPIKeyRow())
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO api_key_usage").WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.Admit(context.Background(), 7, sampleUsage(now), now.Add(-time.Hour)); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmit_LastUsedErrorRollsBack(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT.*FROM api_keys WHERE id.*FOR UPDATE").
		WillReturnRows(sampleAPIKeyRow())
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO api_key_usage").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE api_keys SET last_used").WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.Admit(context.Background(), 7, sampleUsage(now), now.Add(-time.Hour)); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAdmit_BeginError(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectBegin().WillReturnError(errDB)

	if _, err := repo.Admit(context.Background(), 7, sampleUsage(time.Now()), time.Now()); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// CountSince / ListByKey
// ---------------------------------------------------------------------------

func TestCountSince(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage WHERE api_key_id").
		WithArgs(int64(7), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := repo.CountSince(context.Background(), 7, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("CountSince = %d, want 42", n)
	}
}

func TestOldestSince(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now().Add(-time.Hour)
	oldest := since.Add(10 * time.Minute)
	mock.ExpectQuery("SELECT MIN\\(created_at\\) FROM api_key_usage").
		WithArgs(int64(7), since).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))

	got, err := repo.OldestSince(context.Background(), 7, since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Equal(oldest) {
		t.Errorf("OldestSince = %v, want %v", got, oldest)
	}
}

func TestOldestSince_Empty(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectQuery("SELECT MIN\\(created_at\\) FROM api_key_usage").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	got, err := repo.OldestSince(context.Background(), 7, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("OldestSince = %v, want nil", got)
	}
}

func TestListByKey(t *testing.T) {
	repo, mock := newUsageRepo(t)
	now := time.Now()
	mock.ExpectQuery("SELECT.*FROM api_key_usage WHERE api_key_id.*LIMIT").
		WithArgs(int64(7), 50).
		WillReturnRows(sqlmock.NewRows(usageCols).
			AddRow(int64(2), int64(7), "/trips", "GET", "10.0.0.1", "", now).
			AddRow(int64(1), int64(7), "/policies", "POST", "", "", now.Add(-time.Minute)))

	rows, err := repo.ListByKey(context.Background(), 7, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Endpoint != "/trips" || rows[1].Method != "POST" {
		t.Errorf("unexpected rows: %+v %+v", rows[0], rows[1])
	}
}

// ---------------------------------------------------------------------------
// Pruning
// ---------------------------------------------------------------------------

func TestListBefore(t *testing.T) {
	repo, mock := newUsageRepo(t)
	cutoff := time.Now().Add(-48 * time.Hour)
	mock.ExpectQuery("SELECT.*FROM api_key_usage WHERE created_at <.*ORDER BY id ASC").
		WithArgs(cutoff, 500).
		WillReturnRows(sqlmock.NewRows(usageCols).
			AddRow(int64(1), int64(7), "/trips", "GET", "", "", cutoff.Add(-time.Hour)))

	rows, err := repo.ListBefore(context.Background(), cutoff, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len = %d, want 1", len(rows))
	}
}

func TestDeleteUpTo(t *testing.T) {
	repo, mock := newUsageRepo(t)
	cutoff := time.Now().Add(-48 * time.Hour)
	mock.ExpectExec("DELETE FROM api_key_usage WHERE created_at").
		WithArgs(cutoff, int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.DeleteUpTo(context.Background(), cutoff, 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 12 {
		t.Errorf("deleted = %d, want 12", n)
	}
}

func TestDeleteUpTo_DBError(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectExec("DELETE FROM api_key_usage").WillReturnError(errDB)

	if _, err := repo.DeleteUpTo(context.Background(), time.Now(), 1); err == nil {
		t.Error("expected error, got nil")
	}
}
