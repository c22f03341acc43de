package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/mlplatform/console-backend/internal/db/models"
)

func newHealthCheckRepo(t *testing.T) (*HealthCheckRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHealthCheckRepository(db), mock
}

var failureCols = []string{
	"id", "user_id", "email", "check_type", "error_message", "details", "severity",
	"attempts", "resolved", "resolved_at", "created_at",
}

func sampleFailureRow() *sqlmock.Rows {
	return sqlmock.NewRows(failureCols).
		AddRow("f-1", "user-1", "a@example.com", models.CheckQuotaSync, "timeout",
			[]byte(`{"expected":5}`), "medium", 1, false, nil, time.Now())
}

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

func TestHealthCheckRecord(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	userID := "user-1"
	mock.ExpectExec("INSERT INTO health_check_failures").
		WithArgs(sqlmock.AnyArg(), &userID, nil, models.CheckQuotaSync, "timeout",
			[]byte(`{"expected":5}`), models.SeverityMedium, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	f := &models.HealthCheckFailure{
		UserID:       &userID,
		CheckType:    models.CheckQuotaSync,
		ErrorMessage: "timeout",
		Details:      map[string]interface{}{"expected": 5},
	}
	if err := repo.Record(context.Background(), f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if f.Severity != models.SeverityMedium {
		t.Errorf("Severity = %s, want medium default", f.Severity)
	}
}

func TestHealthCheckRecord_DBError(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectExec("INSERT INTO health_check_failures").WillReturnError(errDB)

	err := repo.Record(context.Background(), &models.HealthCheckFailure{CheckType: "x", ErrorMessage: "y"})
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// List / GetByID
// ---------------------------------------------------------------------------

func TestHealthCheckList_UnresolvedFilter(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	resolved := false
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM health_check_failures WHERE 1=1 AND resolved = \\$1").
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT.*FROM health_check_failures WHERE 1=1 AND resolved = \\$1 ORDER BY created_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs(false, 50, 0).
		WillReturnRows(sampleFailureRow())

	failures, total, err := repo.List(context.Background(), HealthCheckFilters{Resolved: &resolved}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(failures) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(failures))
	}
	if failures[0].Details["expected"] != float64(5) {
		t.Errorf("Details = %v", failures[0].Details)
	}
}

func TestHealthCheckGetByID_NotFound(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectQuery("SELECT.*FROM health_check_failures WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(failureCols))

	f, err := repo.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil, got %+v", f)
	}
}

// ---------------------------------------------------------------------------
// Repair queue
// ---------------------------------------------------------------------------

func TestHealthCheckListRepairable(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectQuery("SELECT.*FROM health_check_failures WHERE resolved = FALSE AND check_type = ANY\\(\\$1\\) AND attempts < \\$2 ORDER BY created_at LIMIT \\$3").
		WithArgs(sqlmock.AnyArg(), 5, 20).
		WillReturnRows(sampleFailureRow())

	failures, err := repo.ListRepairable(context.Background(), models.RepairableCheckTypes, 5, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 1 {
		t.Errorf("len = %d, want 1", len(failures))
	}
}

func TestHealthCheckRecordAttempt(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectQuery("UPDATE health_check_failures SET attempts = attempts \\+ 1.*RETURNING attempts").
		WithArgs("f-1", "still failing").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	n, err := repo.RecordAttempt(context.Background(), "f-1", "still failing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestHealthCheckResolve(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectExec("UPDATE health_check_failures SET resolved = TRUE").
		WithArgs("f-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Resolve(context.Background(), "f-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("Resolve = false, want true")
	}
}

func TestHealthCheckCountUnresolvedBySeverity(t *testing.T) {
	repo, mock := newHealthCheckRepo(t)
	mock.ExpectQuery("SELECT severity, COUNT\\(\\*\\).*GROUP BY severity").
		WillReturnRows(sqlmock.NewRows([]string{"severity", "count"}).
			AddRow("critical", 1).
			AddRow("medium", 4))

	counts, err := repo.CountUnresolvedBySeverity(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[models.SeverityCritical] != 1 || counts[models.SeverityMedium] != 4 {
		t.Errorf("counts = %v", counts)
	}
}
