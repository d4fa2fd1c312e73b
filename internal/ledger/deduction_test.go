package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"chronos/pkg/logging"
)

// decimalArg matches a decimal.Decimal driver value against an expected
// numeric string regardless of formatting.
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	want, err := decimal.NewFromString(string(d))
	if err != nil {
		return false
	}
	switch val := v.(type) {
	case string:
		got, err := decimal.NewFromString(val)
		return err == nil && got.Equal(want)
	case []byte:
		got, err := decimal.NewFromString(string(val))
		return err == nil && got.Equal(want)
	case float64:
		return decimal.NewFromFloat(val).Equal(want)
	case int64:
		return decimal.NewFromInt(val).Equal(want)
	}
	return false
}

func newTestService(t *testing.T, now time.Time) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	svc := NewService(db, logging.NewLogger())
	svc.nowFn = func() time.Time { return now }
	return svc, mock, func() { db.Close() }
}

func TestRunDeductionPass_DebitsElapsedMinutes(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 10, 0, 0, time.UTC)
	checkpoint := now.Add(-10 * time.Minute)
	deadline := now.Add(40 * time.Minute)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "100", "2", deadline, checkpoint))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(decimalArg("80"), now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Deactivated != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_DeadlineWinsOverBalance(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	checkpoint := now.Add(-time.Minute)
	deadline := now.Add(-time.Second)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "500", "1", deadline, checkpoint))
	// Expiry zeroes the balance even though the arithmetic would leave a
	// positive remainder.
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 || result.Deactivated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_ExhaustedBalanceDeactivates(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	checkpoint := now.Add(-60 * time.Minute)
	deadline := now.Add(time.Hour)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "30", "2", deadline, checkpoint))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Deactivated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_ZeroCoefficientUntouched(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	checkpoint := now.Add(-24 * time.Hour)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "100", "0", nil, checkpoint))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 || result.Deactivated != 0 || result.Skipped != 0 {
		t.Fatalf("zero-rate timer should not be counted: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_NoElapsedTimeIsNoOp(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(50 * time.Minute)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "100", "2", deadline, now))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(decimalArg("100"), now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Deactivated != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_ClampsNegativeElapsed(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	// Checkpoint ahead of now simulates clock skew.
	checkpoint := now.Add(5 * time.Minute)
	deadline := now.Add(time.Hour)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "100", "2", deadline, checkpoint))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(decimalArg("100"), now, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_FailedTimerIsSkipped(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	checkpoint := now.Add(-10 * time.Minute)
	deadline := now.Add(time.Hour)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	// First timer fails mid-transaction.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(1)).
		WillReturnError(errors.New("row corrupted"))
	mock.ExpectRollback()

	// Second timer still settles.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}).
			AddRow(int64(1), "100", "2", deadline, checkpoint))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(decimalArg("80"), now, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped != 1 || result.Processed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDeductionPass_RacedTimerNotCounted(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	svc, mock, done := newTestService(t, now)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))

	// Timer was deactivated between the scan and the settle.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, balance, coefficient, deadline, last_checkpoint").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "coefficient", "deadline", "last_checkpoint"}))
	mock.ExpectCommit()

	result, err := svc.RunDeductionPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 || result.Deactivated != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
