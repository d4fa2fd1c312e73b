package chronos

import (
	"time"

	"github.com/shopspring/decimal"

	"chronos/pkg/models"
)

// ErrorResponse is the standard error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// AccountResponse wraps a single account
type AccountResponse = models.Account

// AccountStateResponse wraps an account joined with its active timer
type AccountStateResponse = models.AccountState

// ListAccountsResponse lists account states ordered by account id
type ListAccountsResponse struct {
	Accounts []models.AccountState `json:"accounts"`
	Count    int                   `json:"count"`
}

// ListTopupsResponse lists topup audit records, newest first
type ListTopupsResponse struct {
	Topups []models.TopupRecord `json:"topups"`
	Count  int                  `json:"count"`
}

// DeductionPassResponse reports one deduction pass
type DeductionPassResponse struct {
	Success     bool      `json:"success"`
	Processed   int       `json:"processed"`
	Deactivated int       `json:"deactivated"`
	Skipped     int       `json:"skipped"`
	Timestamp   time.Time `json:"timestamp"`
}

// UpdateAccountResponse acknowledges a partial update
type UpdateAccountResponse struct {
	Success bool `json:"success"`
}

// CryptoPaymentResponse carries deposit instructions for a crypto top-up
type CryptoPaymentResponse struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id"`
	Currency      string          `json:"currency"`
	Network       string          `json:"network"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	AmountCrypto  decimal.Decimal `json:"amount_crypto"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	QRCodeURL     string          `json:"qr_code_url"`
	Instructions  string          `json:"instructions"`
	Date          time.Time       `json:"date"`
}

// InvoiceResponse carries a rendered invoice document
type InvoiceResponse struct {
	Success       bool   `json:"success"`
	InvoiceNumber string `json:"invoice_number"`
	HTML          string `json:"html"`
}

// ImageUploadResponse reports a stored image location
type ImageUploadResponse struct {
	Success     bool   `json:"success"`
	URL         string `json:"url"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}
