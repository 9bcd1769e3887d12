package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kobopay/ledger-engine/internal/config"
	"github.com/kobopay/ledger-engine/internal/service"
)

// Services groups everything the router exposes.
type Services struct {
	Ledger         *service.WalletLedger
	Roundup        *service.RoundupAccumulator
	Reconciliation *service.ReconciliationHandler
	RoundupDefault config.RoundupConfig
}

func RegisterHandlers(r *gin.Engine, s Services) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", createWalletHandler(s))
		v1.GET("/wallets/:id/balance", balanceHandler(s))
		v1.GET("/wallets/:id/history", historyHandler(s))
		v1.POST("/wallets/:id/deposit", depositHandler(s))
		v1.POST("/wallets/:id/withdraw", withdrawHandler(s))
		v1.POST("/wallets/:id/transfer", transferHandler(s))
		v1.POST("/wallets/:id/invest", investHandler(s))
		v1.POST("/wallets/:id/roundup", roundupHandler(s))
		v1.POST("/investments/:id/withdraw", investmentWithdrawHandler(s))
		v1.POST("/settlements", settlementHandler(s))
	}
}

// statusFor maps the domain error taxonomy onto HTTP codes; a domain rule
// violation never becomes an opaque 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrInvestmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrMissingReference),
		errors.Is(err, service.ErrMissingProductType),
		errors.Is(err, service.ErrInvalidRoundupUnit),
		errors.Is(err, service.ErrUnknownOutcome):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrExceedsInvestmentValue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrWalletExists),
		errors.Is(err, service.ErrConcurrencyExhausted),
		errors.Is(err, service.ErrTransferFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type createWalletReq struct {
	UserID string `json:"user_id" binding:"required"`
}

func createWalletHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := s.Ledger.CreateWallet(c, req.UserID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"user_id": w.UserID, "balance": formatNaira(w.Balance)})
	}
}

func balanceHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := s.Ledger.GetBalance(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": formatNaira(bal)})
	}
}

func historyHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		entries, err := s.Ledger.GetHistory(c, c.Param("id"), limit, since)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type depositReq struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

func depositHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req depositReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := s.Ledger.Credit(c, c.Param("id"), amount, req.Reference)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entry_id":  res.EntryID,
			"status":    res.Status,
			"balance":   formatNaira(res.BalanceAfter),
			"duplicate": res.Duplicate,
		})
	}
}

type withdrawReq struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func withdrawHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := s.Ledger.Debit(c, c.Param("id"), amount, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry_id": entry.ID, "status": entry.Status, "balance": formatNaira(entry.BalanceAfter)})
	}
}

type transferReq struct {
	ToUserID    string `json:"to_user_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func transferHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, in, err := s.Ledger.Transfer(c, c.Param("id"), req.ToUserID, amount, req.Description)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"correlation_id": out.CorrelationID,
			"from_balance":   formatNaira(out.BalanceAfter),
			"to_balance":     formatNaira(in.BalanceAfter),
		})
	}
}

type investReq struct {
	Amount      string `json:"amount" binding:"required"`
	ProductType string `json:"product_type" binding:"required"`
}

func investHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req investReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		inv, err := s.Ledger.Invest(c, c.Param("id"), amount, req.ProductType)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"investment_id": inv.ID,
			"product_type":  inv.ProductType,
			"principal":     formatNaira(inv.Principal),
			"current_value": formatNaira(inv.CurrentValue),
			"status":        inv.Status,
		})
	}
}

type investmentWithdrawReq struct {
	Amount string `json:"amount" binding:"required"`
}

func investmentWithdrawHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req investmentWithdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := s.Ledger.WithdrawInvestment(c, c.Param("id"), amount)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry_id": entry.ID, "status": entry.Status, "balance": formatNaira(entry.BalanceAfter)})
	}
}

type roundupReq struct {
	PurchaseAmount string `json:"purchase_amount" binding:"required"`
}

func roundupHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req roundupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		purchase, err := parseKobo(req.PurchaseAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		settings := service.RoundupSettings{
			Unit:                s.RoundupDefault.Unit,
			AutoInvestThreshold: s.RoundupDefault.AutoInvestThreshold,
			ProductType:         s.RoundupDefault.ProductType,
		}
		res, err := s.Roundup.Accrue(c, c.Param("id"), purchase, settings)
		if err != nil {
			fail(c, err)
			return
		}
		body := gin.H{"roundup": formatNaira(res.RoundupAmount), "auto_invested": res.AutoInvested}
		if res.Investment != nil {
			body["investment_id"] = res.Investment.ID
		}
		c.JSON(http.StatusOK, body)
	}
}

type settlementReq struct {
	Reference string `json:"reference" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Outcome   string `json:"outcome" binding:"required"`
}

func settlementHandler(s Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settlementReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := parseKobo(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := s.Reconciliation.OnExternalSettlement(c, service.SettlementEvent{
			Reference: req.Reference,
			UserID:    req.UserID,
			Amount:    amount,
			Outcome:   service.SettlementOutcome(req.Outcome),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": res.Status, "duplicate": res.Duplicate})
	}
}
