package chronos

import "github.com/shopspring/decimal"

// CreateAccountRequest creates a new account
type CreateAccountRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// AddBalanceRequest tops up an account's balance
type AddBalanceRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Actor  string          `json:"actor"`
}

// StartTimerRequest starts (or replaces) the active timer for an account
type StartTimerRequest struct {
	Balance     decimal.Decimal `json:"balance"`
	Coefficient decimal.Decimal `json:"coefficient"`
}

// UpdateAccountRequest partially updates account contact details and,
// optionally, the active timer's deduction rate
type UpdateAccountRequest struct {
	Email       *string          `json:"email,omitempty"`
	Phone       *string          `json:"phone,omitempty"`
	Coefficient *decimal.Decimal `json:"coefficient,omitempty"`
}

// CryptoPaymentRequest asks for a deposit address for a balance top-up
type CryptoPaymentRequest struct {
	AccountID int64           `json:"account_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Currency  string          `json:"currency"`
}

// InvoiceRequest asks for a printable top-up invoice
type InvoiceRequest struct {
	AccountID int64           `json:"account_id" binding:"required"`
	Username  string          `json:"username" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

// ImageUploadRequest uploads a company image (base64 payload) to blob storage
type ImageUploadRequest struct {
	Type  string `json:"type" binding:"required"`
	Image string `json:"image" binding:"required"`
}
