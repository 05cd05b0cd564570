package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/crypto"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/services"
)

// ---------------------------------------------------------------------------
// Column / row definitions
// ---------------------------------------------------------------------------

var akCols = []string{
	"id", "app_name", "api_key", "api_secret", "is_active", "permissions", "rate_limit",
	"user_id", "created_at", "updated_at", "last_used", "quota_notification_sent_at",
}

var errDB = errors.New("db error")

var usageCols = []string{"id", "api_key_id", "endpoint", "method", "ip_address", "user_agent", "created_at"}

func sampleAKRow(active bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(akCols).
		AddRow(int64(7), "CI", "ak_abc", "sealed", active, []byte(`["bookings","trips"]`), int64(100),
			nil, now, now, nil, nil)
}

func testCipher(t *testing.T) *crypto.SecretCipher {
	t.Helper()
	c, err := crypto.NewSecretCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSecretCipher: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

// newAPIKeyRouter mounts the handlers without authentication. When caller is set it
// is stored in the context the way APIKeyAuth would.
func newAPIKeyRouter(t *testing.T, caller *models.APIKey) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := NewAPIKeyHandlers(&config.Config{}, db, testCipher(t))

	r := gin.New()
	if caller != nil {
		r.Use(func(c *gin.Context) {
			c.Set(middleware.ContextKeyAPIKey, caller)
			c.Set(middleware.ContextKeyAPIKeyID, caller.ID)
			c.Next()
		})
	}
	r.POST("/api-keys/bootstrap", h.BootstrapHandler())
	r.POST("/api-keys/generate", h.GenerateHandler())
	r.GET("/api-keys/", h.ListHandler())
	r.GET("/api-keys/my/status", h.MyStatusHandler())
	r.GET("/api-keys/:id", h.GetHandler())
	r.GET("/api-keys/:id/usage", h.UsageHandler())
	r.PUT("/api-keys/:id/toggle", h.ToggleHandler())
	r.DELETE("/api-keys/:id", h.DeleteHandler())
	return mock, r
}

func serve(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return m
}

func expectInsertKey(mock sqlmock.Sqlmock, appName string, rateLimit int) {
	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(appName, sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), rateLimit, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(1), time.Now(), time.Now()))
}

// ---------------------------------------------------------------------------
// BootstrapHandler
// ---------------------------------------------------------------------------

func TestBootstrap_Success(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE api_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	expectInsertKey(mock, services.DefaultBootstrapAppName, 10000)
	mock.ExpectCommit()

	w := serve(r, "POST", "/api-keys/bootstrap", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["app_name"] != services.DefaultBootstrapAppName {
		t.Errorf("app_name = %v, want %q", body["app_name"], services.DefaultBootstrapAppName)
	}
	if key, _ := body["api_key"].(string); !strings.HasPrefix(key, "ak_") {
		t.Errorf("api_key = %v, want ak_ prefix", body["api_key"])
	}
	if s, _ := body["api_secret"].(string); s == "" {
		t.Error("api_secret missing from bootstrap response")
	}
	if body["warning"] != services.SecretWarning {
		t.Errorf("warning = %v", body["warning"])
	}
	if perms, _ := body["permissions"].([]any); len(perms) != 6 {
		t.Errorf("permissions = %v, want the full set", body["permissions"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBootstrap_QueryAppName(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE api_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	expectInsertKey(mock, "Ops", 10000)
	mock.ExpectCommit()

	w := serve(r, "POST", "/api-keys/bootstrap?app_name=Ops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["app_name"]; got != "Ops" {
		t.Errorf("app_name = %v, want Ops", got)
	}
}

func TestBootstrap_AlreadyExists(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE api_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	w := serve(r, "POST", "/api-keys/bootstrap", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decode(t, w)["error"]; got != services.ErrBootstrapConflict.Error() {
		t.Errorf("error = %v", got)
	}
}

func TestBootstrap_DBError(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectBegin().WillReturnError(errDB)

	w := serve(r, "POST", "/api-keys/bootstrap", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// GenerateHandler
// ---------------------------------------------------------------------------

func TestGenerate_JSONBody(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	expectInsertKey(mock, "CI", 2)

	w := serve(r, "POST", "/api-keys/generate", gin.H{
		"app_name":    "CI",
		"permissions": []string{"bookings", "trips"},
		"rate_limit":  2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["rate_limit"] != float64(2) {
		t.Errorf("rate_limit = %v, want 2", body["rate_limit"])
	}
	if s, _ := body["api_secret"].(string); s == "" {
		t.Error("api_secret missing from generate response")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGenerate_QueryParamsDefaultRateLimit(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	expectInsertKey(mock, "Reports", 1000)

	w := serve(r, "POST", "/api-keys/generate?app_name=Reports&permissions=reports", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	perms, _ := decode(t, w)["permissions"].([]any)
	if len(perms) != 1 || perms[0] != "reports" {
		t.Errorf("permissions = %v, want [reports]", perms)
	}
}

func TestGenerate_Validation(t *testing.T) {
	tests := []struct {
		name string
		body gin.H
		want string
	}{
		{"missing app_name", gin.H{"permissions": []string{"trips"}}, "app_name is required"},
		{"bad permission", gin.H{"app_name": "CI", "permissions": []string{"trips", "Not Valid"}}, "permissions[1] contains an invalid permission name"},
		{"negative rate limit", gin.H{"app_name": "CI", "rate_limit": -1}, "rate_limit must be at least 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := newAPIKeyRouter(t, nil)
			w := serve(r, "POST", "/api-keys/generate", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decode(t, w)["error"]; got != tt.want {
				t.Errorf("error = %v, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// List / Get
// ---------------------------------------------------------------------------

func TestListAPIKeys_NoSecrets(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectQuery("SELECT .* FROM api_keys ORDER BY").WillReturnRows(sampleAKRow(true))

	w := serve(r, "GET", "/api-keys/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var keys []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &keys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len = %d, want 1", len(keys))
	}
	if _, ok := keys[0]["api_secret"]; ok {
		t.Error("list must not expose api_secret")
	}
	if keys[0]["api_key"] != "ak_abc" {
		t.Errorf("api_key = %v, want ak_abc", keys[0]["api_key"])
	}
}

func TestGetAPIKey(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock, r := newAPIKeyRouter(t, nil)
		mock.ExpectQuery("FROM api_keys WHERE id").WithArgs(int64(7)).WillReturnRows(sampleAKRow(true))
		w := serve(r, "GET", "/api-keys/7", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if got := decode(t, w)["app_name"]; got != "CI" {
			t.Errorf("app_name = %v, want CI", got)
		}
	})
	t.Run("not found", func(t *testing.T) {
		mock, r := newAPIKeyRouter(t, nil)
		mock.ExpectQuery("FROM api_keys WHERE id").WillReturnRows(sqlmock.NewRows(akCols))
		w := serve(r, "GET", "/api-keys/99", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		if got := decode(t, w)["error"]; got != "API key not found" {
			t.Errorf("error = %v", got)
		}
	})
	t.Run("bad id", func(t *testing.T) {
		_, r := newAPIKeyRouter(t, nil)
		if w := serve(r, "GET", "/api-keys/abc", nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// Toggle / Delete
// ---------------------------------------------------------------------------

func TestToggleAPIKey(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectQuery("UPDATE api_keys").WithArgs(int64(7)).WillReturnRows(sampleAKRow(false))

	w := serve(r, "PUT", "/api-keys/7/toggle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["is_active"] != false {
		t.Errorf("is_active = %v, want false", body["is_active"])
	}
	if body["message"] != "API key deactivated" {
		t.Errorf("message = %v", body["message"])
	}
}

func TestToggleAPIKey_NotFound(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectQuery("UPDATE api_keys").WillReturnRows(sqlmock.NewRows(akCols))

	if w := serve(r, "PUT", "/api-keys/7/toggle", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     int
	}{
		{"deleted", 1, http.StatusOK},
		{"missing", 0, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, r := newAPIKeyRouter(t, nil)
			mock.ExpectExec("DELETE FROM api_keys").WithArgs(int64(7)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			w := serve(r, "DELETE", "/api-keys/7", nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// MyStatus / Usage
// ---------------------------------------------------------------------------

func TestMyStatus(t *testing.T) {
	caller := &models.APIKey{ID: 7, AppName: "CI", APIKey: "ak_abc", IsActive: true,
		Permissions: []string{"trips"}, RateLimit: 10}
	mock, r := newAPIKeyRouter(t, caller)
	mock.ExpectQuery("SELECT COUNT.*FROM api_key_usage").
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	w := serve(r, "GET", "/api-keys/my/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["requests_in_window"] != float64(3) || body["remaining"] != float64(7) {
		t.Errorf("usage = %v / %v, want 3 / 7", body["requests_in_window"], body["remaining"])
	}
	if _, ok := body["api_secret"]; ok {
		t.Error("status must not expose api_secret")
	}
}

func TestMyStatus_NoKey(t *testing.T) {
	_, r := newAPIKeyRouter(t, nil)
	if w := serve(r, "GET", "/api-keys/my/status", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestUsage_LimitCapped(t *testing.T) {
	mock, r := newAPIKeyRouter(t, nil)
	mock.ExpectQuery("FROM api_keys WHERE id").WillReturnRows(sampleAKRow(true))
	mock.ExpectQuery("FROM api_key_usage").
		WithArgs(int64(7), maxUsageLimit).
		WillReturnRows(sqlmock.NewRows(usageCols).
			AddRow(int64(1), int64(7), "/trips", "GET", "10.0.0.1", "curl/8", time.Now()))

	w := serve(r, "GET", "/api-keys/7/usage?limit=9999", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	usage, _ := decode(t, w)["usage"].([]any)
	if len(usage) != 1 {
		t.Errorf("usage rows = %d, want 1", len(usage))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUsage_BadLimit(t *testing.T) {
	_, r := newAPIKeyRouter(t, nil)
	if w := serve(r, "GET", "/api-keys/7/usage?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
