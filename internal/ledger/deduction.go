package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"chronos/pkg/logging"
	"chronos/pkg/models"
)

type settleOutcome int

const (
	settleUntouched settleOutcome = iota
	settleProcessed
	settleExpired
	settleExhausted
)

// RunDeductionPass scans every active timer once, debiting the balance for
// the time elapsed since each timer's checkpoint and deactivating timers
// that ran out of balance or passed their deadline. Each timer settles in
// its own transaction with its row locked, so a pass never blocks the whole
// table and a single bad row never aborts the pass.
//
// Re-running the pass with no wall-clock advance is a no-op: elapsed time is
// measured from the checkpoint, which moves to now on every settlement.
func (s *Service) RunDeductionPass(ctx context.Context) (models.PassResult, error) {
	var result models.PassResult

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM chronos.active_timers
		WHERE is_active = TRUE
		ORDER BY id
	`)
	if err != nil {
		return result, classify("deduction pass", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return result, classify("deduction pass", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, classify("deduction pass", err)
	}

	for _, id := range ids {
		outcome, err := s.settleTimer(ctx, id)
		if err != nil {
			// A failed row is skipped, not fatal: the next pass picks the
			// timer up again from its unchanged checkpoint.
			result.Skipped++
			s.logger.WithFields(logging.Fields{
				"timer_id": id,
				"error":    err,
			}).Error("Failed to settle timer, skipping")
			continue
		}

		switch outcome {
		case settleProcessed:
			result.Processed++
		case settleExpired:
			result.Deactivated++
		case settleExhausted:
			result.Processed++
			result.Deactivated++
		}
	}

	s.logger.WithFields(logging.Fields{
		"processed":   result.Processed,
		"deactivated": result.Deactivated,
		"skipped":     result.Skipped,
	}).Info("Deduction pass complete")

	return result, nil
}

// settleTimer applies one deduction step to a single timer under row lock.
func (s *Service) settleTimer(ctx context.Context, timerID int64) (settleOutcome, error) {
	outcome := settleUntouched

	err := s.withTx(ctx, "settle timer", func(tx *sql.Tx) error {
		var accountID int64
		var balance, coefficient decimal.Decimal
		var deadline sql.NullTime
		var checkpoint sql.NullTime

		err := tx.QueryRowContext(ctx, `
			SELECT account_id, balance, coefficient, deadline, last_checkpoint
			FROM chronos.active_timers
			WHERE id = $1 AND is_active = TRUE
			FOR UPDATE
		`, timerID).Scan(&accountID, &balance, &coefficient, &deadline, &checkpoint)
		if errors.Is(err, sql.ErrNoRows) {
			// Deactivated or replaced since the scan; nothing to settle.
			return nil
		}
		if err != nil {
			return err
		}

		now := s.nowFn()

		// Expiry wins over balance arithmetic: a timer past its deadline is
		// zeroed out even if a positive remainder would compute.
		if deadline.Valid && !now.Before(deadline.Time) {
			_, err = tx.ExecContext(ctx, `
				UPDATE chronos.active_timers
				SET balance = 0, is_active = FALSE, updated_at = NOW()
				WHERE id = $1
			`, timerID)
			if err != nil {
				return err
			}
			outcome = settleExpired
			return nil
		}

		if !coefficient.IsPositive() {
			// Zero-rate timers never deduct and stay active indefinitely.
			return nil
		}

		elapsed := now.Sub(checkpoint.Time)
		if elapsed < 0 {
			s.logger.WithFields(logging.Fields{
				"timer_id":   timerID,
				"account_id": accountID,
				"checkpoint": checkpoint.Time,
				"now":        now,
			}).Warn("Timer checkpoint is in the future, clamping elapsed time to zero")
			elapsed = 0
		}

		debit := decimal.NewFromFloat(elapsed.Minutes()).Mul(coefficient)
		newBalance := balance.Sub(debit)

		if newBalance.IsPositive() {
			_, err = tx.ExecContext(ctx, `
				UPDATE chronos.active_timers
				SET balance = $1, last_checkpoint = $2, updated_at = NOW()
				WHERE id = $3
			`, newBalance, now, timerID)
			if err != nil {
				return err
			}
			outcome = settleProcessed
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chronos.active_timers
			SET balance = 0, is_active = FALSE, updated_at = NOW()
			WHERE id = $1
		`, timerID)
		if err != nil {
			return err
		}
		outcome = settleExhausted
		return nil
	})

	return outcome, err
}

// LowBalanceTimer is a candidate for a low-balance notification.
type LowBalanceTimer struct {
	TimerID     int64
	AccountID   int64
	Username    string
	Email       string
	Phone       string
	Balance     decimal.Decimal
	MinutesLeft decimal.Decimal
}

// ListLowBalanceTimers returns active deducting timers whose remaining
// runtime is at or under thresholdMinutes and that have not been notified
// since their last top-up.
func (s *Service) ListLowBalanceTimers(ctx context.Context, thresholdMinutes decimal.Decimal) ([]LowBalanceTimer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at.id, at.account_id, u.username, u.email, u.phone,
		       at.balance, at.balance / at.coefficient AS minutes_left
		FROM chronos.active_timers at
		JOIN chronos.accounts u ON u.id = at.account_id
		WHERE at.is_active = TRUE
		  AND at.coefficient > 0
		  AND at.notified_low_balance = FALSE
		  AND at.balance / at.coefficient <= $1
		ORDER BY minutes_left
	`, thresholdMinutes)
	if err != nil {
		return nil, classify("list low balance timers", err)
	}
	defer rows.Close()

	var candidates []LowBalanceTimer
	for rows.Next() {
		var c LowBalanceTimer
		if err := rows.Scan(&c.TimerID, &c.AccountID, &c.Username, &c.Email, &c.Phone, &c.Balance, &c.MinutesLeft); err != nil {
			return nil, classify("list low balance timers", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, classify("list low balance timers", rows.Err())
}

// MarkLowBalanceNotified records that an alert went out for the timer, so it
// is not re-alerted until the next top-up resets the flag.
func (s *Service) MarkLowBalanceNotified(ctx context.Context, timerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chronos.active_timers
		SET notified_low_balance = TRUE, updated_at = NOW()
		WHERE id = $1
	`, timerID)
	return classify("mark low balance notified", err)
}
