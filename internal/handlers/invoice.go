package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chronos/pkg/api/chronos"
	"chronos/pkg/config"
)

var invoiceTemplate = template.Must(template.New("invoice").Parse(`
<html>
<head><style>
  body { font-family: Arial, sans-serif; margin: 40px; }
  .header { display: flex; justify-content: space-between; }
  table { width: 100%; border-collapse: collapse; margin-top: 24px; }
  th, td { border: 1px solid #ccc; padding: 8px; text-align: left; }
  .total { font-weight: bold; }
</style></head>
<body>
  <div class="header">
    <div>
      <h1>{{.CompanyName}}</h1>
      <p>{{.CompanyAddress}}</p>
    </div>
    <div>
      <h2>Invoice {{.Number}}</h2>
      <p>Date: {{.Date}}</p>
    </div>
  </div>
  <p>Billed to: <strong>{{.Username}}</strong> (account #{{.AccountID}})</p>
  <table>
    <tr><th>Description</th><th>Amount</th></tr>
    <tr><td>Prepaid balance top-up</td><td>{{.Amount}}</td></tr>
    <tr class="total"><td>Total</td><td>{{.Amount}}</td></tr>
  </table>
  <p>Thank you for your business.</p>
</body>
</html>`))

// GenerateInvoice handles POST /invoices. Invoice numbers come from a
// database sequence, so they stay unique across restarts and replicas.
func GenerateInvoice(c *gin.Context) {
	var req chronos.InvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Amount must be positive"})
		return
	}

	seq, err := service.NextInvoiceSequence(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	number := fmt.Sprintf("INV-%d-%06d", req.AccountID, seq)

	var body bytes.Buffer
	err = invoiceTemplate.Execute(&body, map[string]interface{}{
		"CompanyName":    config.GetEnv("COMPANY_NAME", "Chronos"),
		"CompanyAddress": config.GetEnv("COMPANY_ADDRESS", ""),
		"Number":         number,
		"Date":           time.Now().UTC().Format("2006-01-02"),
		"Username":       req.Username,
		"AccountID":      req.AccountID,
		"Amount":         req.Amount.StringFixed(2),
	})
	if err != nil {
		logger.WithField("error", err).Error("Failed to render invoice")
		c.JSON(http.StatusInternalServerError, chronos.ErrorResponse{Error: "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, chronos.InvoiceResponse{
		Success:       true,
		InvoiceNumber: number,
		HTML:          body.String(),
	})
}
