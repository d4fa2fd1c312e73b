package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chronos/internal/ledger"
	"chronos/pkg/api/chronos"
	"chronos/pkg/logging"
)

// CreateAccount handles POST /accounts
func CreateAccount(c *gin.Context) {
	var req chronos.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	account, err := service.CreateAccount(c.Request.Context(), req.Username, req.Email, req.Phone)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusCreated, account)
}

// ListAccounts handles GET /accounts
func ListAccounts(c *gin.Context) {
	states, err := service.ListAccounts(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, chronos.ListAccountsResponse{
		Accounts: states,
		Count:    len(states),
	})
}

// GetAccount handles GET /accounts/:account_id
func GetAccount(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	state, err := service.GetAccountState(c.Request.Context(), accountID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// UpdateAccount handles PUT /accounts/:account_id
func UpdateAccount(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req chronos.UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	err := service.UpdateAccount(c.Request.Context(), accountID, ledger.UpdateAccountPatch{
		Email:       req.Email,
		Phone:       req.Phone,
		Coefficient: req.Coefficient,
	})
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, chronos.UpdateAccountResponse{Success: true})
}

// AddBalance handles POST /accounts/:account_id/topup
func AddBalance(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req chronos.AddBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	record, err := service.AddBalance(c.Request.Context(), accountID, req.Amount, req.Actor)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	metrics.Topups.WithLabelValues("api").Inc()

	if notifier != nil {
		// Receipt delivery is best-effort and never blocks the response.
		if state, stateErr := service.GetAccountState(c.Request.Context(), accountID); stateErr == nil {
			notifier.SendTopupReceipt(c.Request.Context(), &state.Account, record)
		}
	}

	c.JSON(http.StatusCreated, record)
}

// StartTimer handles POST /accounts/:account_id/timer
func StartTimer(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req chronos.StartTimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	timer, err := service.StartTimer(c.Request.Context(), accountID, req.Balance, req.Coefficient)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusCreated, timer)
}

// RunDeductions handles POST /deductions/run. The same pass runs on a timer
// in the background; this endpoint exists for operators and tests.
func RunDeductions(c *gin.Context) {
	result, err := service.RunDeductionPass(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	metrics.DeductionPasses.WithLabelValues("api").Inc()
	metrics.TimersProcessed.Add(float64(result.Processed))
	metrics.TimersDeactivated.Add(float64(result.Deactivated))
	metrics.TimersSkipped.Add(float64(result.Skipped))

	c.JSON(http.StatusOK, chronos.DeductionPassResponse{
		Success:     true,
		Processed:   result.Processed,
		Deactivated: result.Deactivated,
		Skipped:     result.Skipped,
		Timestamp:   time.Now().UTC(),
	})
}

// ListTopups handles GET /topups, optionally filtered by account_id.
func ListTopups(c *gin.Context) {
	var accountID *int64
	if raw := c.Query("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid account_id"})
			return
		}
		accountID = &id
	}

	records, err := service.ListTopups(c.Request.Context(), accountID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, chronos.ListTopupsResponse{
		Topups: records,
		Count:  len(records),
	})
}

func parseAccountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid account_id"})
		return 0, false
	}
	return id, true
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses.
func writeLedgerError(c *gin.Context, err error) {
	var ve *ledger.ValidationError
	var nfe *ledger.NotFoundError
	var ce *ledger.ConflictError
	var sue *ledger.StoreUnavailableError

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: ve.Error()})
	case errors.As(err, &nfe):
		c.JSON(http.StatusNotFound, chronos.ErrorResponse{Error: nfe.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, chronos.ErrorResponse{Error: "Concurrent update, please retry"})
	case errors.As(err, &sue):
		c.JSON(http.StatusServiceUnavailable, chronos.ErrorResponse{Error: "Storage temporarily unavailable"})
	default:
		logger.WithFields(logging.Fields{
			"path":  c.FullPath(),
			"error": err,
		}).Error("Unhandled ledger error")
		c.JSON(http.StatusInternalServerError, chronos.ErrorResponse{Error: "Internal server error"})
	}
}
