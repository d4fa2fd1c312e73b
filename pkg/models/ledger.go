package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a prepaid customer account. Accounts are never deleted; only
// contact details change after creation.
type Account struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Timer is the active prepaid timer for an account. Balance depletes at
// Coefficient units per minute of wall-clock time. A nil Deadline means the
// timer never expires (zero coefficient).
type Timer struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	Balance        decimal.Decimal `json:"balance"`
	Coefficient    decimal.Decimal `json:"coefficient"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	LastCheckpoint time.Time       `json:"last_checkpoint"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TopupRecord is one append-only audit entry for a balance addition.
type TopupRecord struct {
	ID        string          `json:"id"`
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Actor     string          `json:"actor"`
	Username  string          `json:"username,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AccountState is an account joined with its active timer, if any.
type AccountState struct {
	Account
	Timer *Timer `json:"timer,omitempty"`
}

// PassResult summarizes one deduction pass over all active timers.
type PassResult struct {
	Processed   int `json:"processed"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
}
