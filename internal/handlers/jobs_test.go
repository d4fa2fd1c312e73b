package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"chronos/internal/ledger"
	"chronos/pkg/logging"
)

func newTestJobManager(t *testing.T) (*JobManager, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	log := logging.NewLogger()
	m := testMetrics()
	metrics = m

	n, err := NewNotificationService(nil, log)
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}

	jm := NewJobManager(ledger.NewService(db, log), log, n, m,
		time.Hour, time.Hour, decimal.NewFromInt(60))
	return jm, mock, func() { db.Close() }
}

func TestJobManager_DeductionPass(t *testing.T) {
	jm, mock, done := newTestJobManager(t)
	defer done()

	mock.ExpectQuery("SELECT id FROM chronos.active_timers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	jm.runDeductionPass(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobManager_SweepMarksNotified(t *testing.T) {
	jm, mock, done := newTestJobManager(t)
	defer done()

	mock.ExpectQuery("SELECT at.id, at.account_id").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "username", "email", "phone", "balance", "minutes_left",
		}).AddRow(int64(11), int64(1), "alice", "", "", "10", "5"))
	mock.ExpectExec("UPDATE chronos.active_timers").
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	jm.sweepLowBalances(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobManager_SweepWithoutNotifierIsNoOp(t *testing.T) {
	jm, mock, done := newTestJobManager(t)
	defer done()

	jm.notifier = nil
	jm.sweepLowBalances(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobManager_StartStop(t *testing.T) {
	jm, _, done := newTestJobManager(t)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.Start(ctx)

	stopped := make(chan struct{})
	go func() {
		jm.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("job manager did not stop in time")
	}
}
