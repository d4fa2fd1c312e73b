package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chronos/pkg/logging"
	"chronos/pkg/models"
)

// maxTxRetries bounds internal retries of transactions that lose a
// concurrency race before a ConflictError is surfaced.
const maxTxRetries = 3

// Service owns the account, timer and topup ledgers. Every mutating
// operation runs as a single transaction with the affected timer row locked,
// so top-ups and deduction passes racing on the same account serialize
// instead of losing updates.
type Service struct {
	db     *sql.DB
	logger logging.Logger
	nowFn  func() time.Time
}

// NewService creates a ledger service on top of an open database handle.
func NewService(db *sql.DB, logger logging.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
		nowFn:  time.Now,
	}
}

// CreateAccount inserts a new account row. Username is required; email and
// phone are optional contact metadata.
func (s *Service) CreateAccount(ctx context.Context, username, email, phone string) (*models.Account, error) {
	if username == "" {
		return nil, validationf("username is required")
	}

	account := &models.Account{Username: username, Email: email, Phone: phone}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chronos.accounts (username, email, phone)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, username, email, phone).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, classify("create account", err)
	}

	s.logger.WithFields(logging.Fields{
		"account_id": account.ID,
		"username":   username,
	}).Info("Account created")

	return account, nil
}

// StartTimer starts a prepaid timer for the account, replacing any active
// timer (upsert semantics: new balance, coefficient and deadline overwrite
// the prior active row and the checkpoint resets to now). A zero coefficient
// produces a timer with no deadline that never deducts.
func (s *Service) StartTimer(ctx context.Context, accountID int64, balance, coefficient decimal.Decimal) (*models.Timer, error) {
	if balance.IsNegative() {
		return nil, validationf("balance must not be negative")
	}
	if coefficient.IsNegative() {
		return nil, validationf("coefficient must not be negative")
	}

	var timer *models.Timer
	err := s.withTx(ctx, "start timer", func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM chronos.accounts WHERE id = $1
		`, accountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Resource: "account", ID: accountID}
		}
		if err != nil {
			return err
		}

		now := s.nowFn()
		var deadline *time.Time
		if coefficient.IsPositive() {
			d := now.Add(minutesToDuration(balance.Div(coefficient)))
			deadline = &d
		}

		// Explicit read-then-write instead of ON CONFLICT: the active row,
		// if any, is locked before being replaced.
		var timerID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM chronos.active_timers
			WHERE account_id = $1 AND is_active = TRUE
			FOR UPDATE
		`, accountID).Scan(&timerID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO chronos.active_timers
					(account_id, balance, coefficient, deadline, last_checkpoint, is_active)
				VALUES ($1, $2, $3, $4, $5, TRUE)
				RETURNING id
			`, accountID, balance, coefficient, deadline, now).Scan(&timerID)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE chronos.active_timers
				SET balance = $1, coefficient = $2, deadline = $3,
				    last_checkpoint = $4, is_active = TRUE,
				    notified_low_balance = FALSE, updated_at = NOW()
				WHERE id = $5
			`, balance, coefficient, deadline, now, timerID)
			if err != nil {
				return err
			}
		}

		timer = &models.Timer{
			ID:             timerID,
			AccountID:      accountID,
			Balance:        balance,
			Coefficient:    coefficient,
			Deadline:       deadline,
			LastCheckpoint: now,
			IsActive:       true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"account_id":  accountID,
		"timer_id":    timer.ID,
		"balance":     balance,
		"coefficient": coefficient,
	}).Info("Timer started")

	return timer, nil
}

// AddBalance appends a topup audit record and, when an active timer exists,
// credits its balance and extends its deadline by amount/coefficient
// minutes. The checkpoint is deliberately untouched: the next deduction pass
// still debits the time elapsed since the last settlement against the new
// balance. Unknown accounts are created implicitly with a synthesized
// username, so a top-up always lands somewhere auditable.
func (s *Service) AddBalance(ctx context.Context, accountID int64, amount decimal.Decimal, actor string) (*models.TopupRecord, error) {
	if !amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}
	if actor == "" {
		actor = "admin"
	}

	record := &models.TopupRecord{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Actor:     actor,
	}

	err := s.withTx(ctx, "add balance", func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM chronos.accounts WHERE id = $1
		`, accountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chronos.accounts (id, username)
				VALUES ($1, $2)
			`, accountID, fmt.Sprintf("user%d", accountID))
			if err != nil {
				return err
			}
			s.logger.WithField("account_id", accountID).Info("Account auto-created on topup")
		} else if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO chronos.topup_history (id, account_id, amount, actor)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at
		`, record.ID, accountID, amount, actor).Scan(&record.CreatedAt)
		if err != nil {
			return err
		}

		var timerID int64
		var balance, coefficient decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT id, balance, coefficient FROM chronos.active_timers
			WHERE account_id = $1 AND is_active = TRUE
			FOR UPDATE
		`, accountID).Scan(&timerID, &balance, &coefficient)
		if errors.Is(err, sql.ErrNoRows) {
			// Topup recorded, no timer effect.
			return nil
		}
		if err != nil {
			return err
		}

		newBalance := balance.Add(amount)
		additional := decimal.Zero
		if coefficient.IsPositive() {
			additional = amount.Div(coefficient)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chronos.active_timers
			SET balance = $1,
			    deadline = deadline + make_interval(secs => $2),
			    notified_low_balance = FALSE,
			    updated_at = NOW()
			WHERE id = $3
		`, newBalance, minutesToSeconds(additional), timerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"amount":     amount,
		"actor":      actor,
		"topup_id":   record.ID,
	}).Info("Balance topped up")

	return record, nil
}

// GetAccountState returns the account merged with its active timer, if any.
func (s *Service) GetAccountState(ctx context.Context, accountID int64) (*models.AccountState, error) {
	row := s.db.QueryRowContext(ctx, accountStateQuery+`
		WHERE u.id = $1
	`, accountID)

	state, err := scanAccountState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "account", ID: accountID}
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return state, nil
}

// ListAccounts returns all accounts with their active timers, ordered by
// account id.
func (s *Service) ListAccounts(ctx context.Context) ([]models.AccountState, error) {
	rows, err := s.db.QueryContext(ctx, accountStateQuery+`
		ORDER BY u.id
	`)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var states []models.AccountState
	for rows.Next() {
		state, err := scanAccountState(rows)
		if err != nil {
			return nil, classify("list accounts", err)
		}
		states = append(states, *state)
	}
	return states, classify("list accounts", rows.Err())
}

// UpdateAccountPatch is a partial account update. Nil fields are untouched.
// Coefficient applies only to the account's active timer; when there is no
// active timer the rate change is silently dropped, matching the historical
// behavior of the admin panel.
type UpdateAccountPatch struct {
	Email       *string
	Phone       *string
	Coefficient *decimal.Decimal
}

// UpdateAccount applies a partial update to contact details and, optionally,
// the active timer's deduction rate. The rate change does not recompute
// balance or deadline.
func (s *Service) UpdateAccount(ctx context.Context, accountID int64, patch UpdateAccountPatch) error {
	if patch.Coefficient != nil && patch.Coefficient.IsNegative() {
		return validationf("coefficient must not be negative")
	}

	return s.withTx(ctx, "update account", func(tx *sql.Tx) error {
		if patch.Coefficient != nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE chronos.active_timers
				SET coefficient = $1, updated_at = NOW()
				WHERE account_id = $2 AND is_active = TRUE
			`, *patch.Coefficient, accountID)
			if err != nil {
				return err
			}
		}

		if patch.Email == nil && patch.Phone == nil {
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE chronos.accounts
			SET email = COALESCE($1, email),
			    phone = COALESCE($2, phone),
			    updated_at = NOW()
			WHERE id = $3
		`, patch.Email, patch.Phone, accountID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return &NotFoundError{Resource: "account", ID: accountID}
		}
		return nil
	})
}

// ListTopups returns topup audit records, newest first. With a nil account
// filter the most recent 100 records across all accounts are returned with
// the username joined in.
func (s *Service) ListTopups(ctx context.Context, accountID *int64) ([]models.TopupRecord, error) {
	var rows *sql.Rows
	var err error

	if accountID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, account_id, amount, actor, '', created_at
			FROM chronos.topup_history
			WHERE account_id = $1
			ORDER BY created_at DESC
		`, *accountID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT th.id, th.account_id, th.amount, th.actor,
			       COALESCE(u.username, ''), th.created_at
			FROM chronos.topup_history th
			LEFT JOIN chronos.accounts u ON th.account_id = u.id
			ORDER BY th.created_at DESC
			LIMIT 100
		`)
	}
	if err != nil {
		return nil, classify("list topups", err)
	}
	defer rows.Close()

	var records []models.TopupRecord
	for rows.Next() {
		var r models.TopupRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Amount, &r.Actor, &r.Username, &r.CreatedAt); err != nil {
			return nil, classify("list topups", err)
		}
		records = append(records, r)
	}
	return records, classify("list topups", rows.Err())
}

// NextInvoiceSequence draws the next invoice number from the durable
// sequence, so numbers survive restarts and never repeat.
func (s *Service) NextInvoiceSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('chronos.invoice_seq')`).Scan(&seq)
	if err != nil {
		return 0, classify("next invoice sequence", err)
	}
	return seq, nil
}

// withTx runs fn inside a transaction, retrying a bounded number of times
// when the transaction loses a concurrency race.
func (s *Service) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryableConflict(err) {
			return classify(op, err)
		}
		s.logger.WithFields(logging.Fields{
			"op":      op,
			"attempt": attempt,
			"error":   err,
		}).Warn("Transaction conflict, retrying")
	}
	return &ConflictError{Op: op, Err: err}
}

func (s *Service) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const accountStateQuery = `
		SELECT u.id, u.username, u.email, u.phone, u.created_at, u.updated_at,
		       at.id, at.balance, at.coefficient, at.deadline,
		       at.last_checkpoint, at.is_active, at.created_at, at.updated_at
		FROM chronos.accounts u
		LEFT JOIN chronos.active_timers at
		       ON u.id = at.account_id AND at.is_active = TRUE
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountState(row rowScanner) (*models.AccountState, error) {
	var state models.AccountState
	var timerID sql.NullInt64
	var balance, coefficient decimal.NullDecimal
	var deadline, checkpoint, tCreated, tUpdated sql.NullTime
	var active sql.NullBool

	err := row.Scan(
		&state.ID, &state.Username, &state.Email, &state.Phone,
		&state.CreatedAt, &state.UpdatedAt,
		&timerID, &balance, &coefficient, &deadline,
		&checkpoint, &active, &tCreated, &tUpdated,
	)
	if err != nil {
		return nil, err
	}

	if timerID.Valid {
		timer := &models.Timer{
			ID:             timerID.Int64,
			AccountID:      state.ID,
			Balance:        balance.Decimal,
			Coefficient:    coefficient.Decimal,
			LastCheckpoint: checkpoint.Time,
			IsActive:       active.Bool,
			CreatedAt:      tCreated.Time,
			UpdatedAt:      tUpdated.Time,
		}
		if deadline.Valid {
			d := deadline.Time
			timer.Deadline = &d
		}
		state.Timer = timer
	}
	return &state, nil
}

// minutesToDuration converts a decimal minute count to a wall-clock duration.
func minutesToDuration(minutes decimal.Decimal) time.Duration {
	f, _ := minutes.Float64()
	return time.Duration(f * float64(time.Minute))
}

// minutesToSeconds converts a decimal minute count to whole-ish seconds for
// make_interval.
func minutesToSeconds(minutes decimal.Decimal) float64 {
	f, _ := minutes.Mul(decimal.NewFromInt(60)).Float64()
	return f
}
