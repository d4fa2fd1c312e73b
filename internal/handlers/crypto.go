package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"chronos/pkg/api/chronos"
	"chronos/pkg/config"
	"chronos/pkg/logging"
)

// cryptoNetworks maps supported currencies to the network deposits must use.
var cryptoNetworks = map[string]string{
	"USDT": "TRC20",
	"BTC":  "Bitcoin",
	"ETH":  "ERC20",
}

// CreateCryptoPayment handles POST /payments/crypto. It issues deposit
// instructions: the wallet address for the chosen currency, the converted
// amount at the configured rate, and a QR code for the address. Settlement
// is manual; the transaction id ties the deposit back to the account.
func CreateCryptoPayment(c *gin.Context) {
	var req chronos.CryptoPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USDT"
	}
	network, ok := cryptoNetworks[currency]
	if !ok {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Unsupported currency: " + currency})
		return
	}

	wallet := config.GetEnv("CRYPTO_WALLET_"+currency, "")
	if wallet == "" {
		c.JSON(http.StatusServiceUnavailable, chronos.ErrorResponse{Error: currency + " payments are not configured"})
		return
	}

	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Amount must be positive"})
		return
	}

	rate, err := decimal.NewFromString(config.GetEnv("CRYPTO_RATE_"+currency, "1"))
	if err != nil || !rate.IsPositive() {
		logger.WithFields(logging.Fields{
			"currency": currency,
			"error":    err,
		}).Error("Invalid exchange rate configuration")
		c.JSON(http.StatusServiceUnavailable, chronos.ErrorResponse{Error: "Exchange rate unavailable"})
		return
	}
	amountCrypto := req.Amount.DivRound(rate, 8)

	now := time.Now().UTC()
	transactionID := cryptoTransactionID(req.AccountID, currency, now)

	qrURL := "https://api.qrserver.com/v1/create-qr-code/?size=200x200&data=" + url.QueryEscape(wallet)

	logger.WithFields(logging.Fields{
		"account_id":     req.AccountID,
		"currency":       currency,
		"amount":         req.Amount,
		"transaction_id": transactionID,
	}).Info("Crypto payment instructions issued")

	c.JSON(http.StatusOK, chronos.CryptoPaymentResponse{
		Success:       true,
		TransactionID: transactionID,
		Currency:      currency,
		Network:       network,
		WalletAddress: wallet,
		Amount:        req.Amount,
		AmountCrypto:  amountCrypto,
		ExchangeRate:  rate,
		QRCodeURL:     qrURL,
		Instructions: fmt.Sprintf("Send exactly %s %s via %s to the address above, then quote transaction id %s to support.",
			amountCrypto.String(), currency, network, transactionID),
		Date: now,
	})
}

// cryptoTransactionID derives a short stable reference for a deposit.
func cryptoTransactionID(accountID int64, currency string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", accountID, currency, at.UnixNano())))
	return hex.EncodeToString(sum[:])[:16]
}
