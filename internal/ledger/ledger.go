package ledger

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loyalex/market-api/internal/types"
	"github.com/loyalex/market-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service exposes standalone ledger operations, each running in its own
// transaction. Settlement and order placement bypass the service and use
// Database directly so their mutations join a larger atomic unit.
type Service struct {
	db *gorm.DB
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: gormDB}
}

// Credit adds earned tokens (and optionally fiat) to a user's balance.
func (s *Service) Credit(userID string, amount int64, fiatAmount float64) (string, error) {
	referenceID := "ADJ_" + uuid.New().String()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		d := NewDatabase(tx)
		if amount > 0 {
			if err := d.Credit(userID, amount, referenceID); err != nil {
				return err
			}
		}
		if fiatAmount > 0 {
			if err := d.EarnFiat(userID, fiatAmount, referenceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("service", "ledger").
		Str("user_id", userID).
		Int64("amount", amount).
		Float64("fiat_amount", fiatAmount).
		Str("reference_id", referenceID).
		Msg("credited balance")
	return referenceID, nil
}

// Debit removes spendable tokens from a user's balance.
func (s *Service) Debit(userID string, amount int64) (string, error) {
	referenceID := "ADJ_" + uuid.New().String()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return NewDatabase(tx).Debit(userID, amount, referenceID)
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("service", "ledger").
		Str("user_id", userID).
		Int64("amount", amount).
		Str("reference_id", referenceID).
		Msg("debited balance")
	return referenceID, nil
}

func (s *Service) GetBalance(userID string) (*types.Balance, error) {
	return NewDatabase(s.db).GetBalance(userID)
}

func (s *Service) GetUserTransactions(userID string) ([]types.Transaction, error) {
	return NewDatabase(s.db).GetUserTransactions(userID)
}

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetBalanceHandler handles GET requests for the authenticated user's balance
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		balance, err := h.service.GetBalance(userID)
		response.Handle(c, balance, err)
	}
}

// GetTransactionsHandler handles GET requests for the authenticated user's
// ledger entries
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		txns, err := h.service.GetUserTransactions(userID)
		response.Handle(c, txns, err)
	}
}

// CreditHandler handles POST requests from the internal funding interface.
// Positive adjustments credit tokens and fiat; direction "spend" debits
// tokens instead.
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			UserID     string  `json:"user_id" binding:"required"`
			Amount     int64   `json:"amount"`
			FiatAmount float64 `json:"fiat_amount"`
			Direction  string  `json:"direction"`
		}

		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var referenceID string
		var err error
		if request.Direction == "spend" {
			referenceID, err = h.service.Debit(request.UserID, request.Amount)
		} else {
			referenceID, err = h.service.Credit(request.UserID, request.Amount, request.FiatAmount)
		}
		response.Handle(c, gin.H{"reference_id": referenceID}, err)
	}
}
