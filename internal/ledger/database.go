package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/loyalex/market-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database performs balance mutations against the gorm handle it was
// constructed with. Callers that need several mutations to commit as one
// unit construct a Database around their transaction.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// getOrCreateForUpdate loads a user's balance row under a row lock,
// creating a zero row on first touch.
func (d *Database) getOrCreateForUpdate(userID string) (*types.Balance, error) {
	var balance types.Balance
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	balance = types.Balance{UserID: userID}
	if err := d.db.Create(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

func (d *Database) save(balance *types.Balance) error {
	return d.db.Model(&types.Balance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]interface{}{
			"available":      balance.Available,
			"locked":         balance.Locked,
			"fiat_available": balance.FiatAvailable,
			"fiat_locked":    balance.FiatLocked,
		}).Error
}

// record writes the append-only Transaction row for a mutation. It runs on
// the same gorm handle, so it commits or rolls back with the mutation.
func (d *Database) record(userID, txnType string, amount int64, fiatAmount float64, referenceID string) error {
	txn := types.Transaction{
		TransactionID: "TXN_" + uuid.New().String(),
		UserID:        userID,
		Type:          txnType,
		Amount:        amount,
		FiatAmount:    fiatAmount,
		ReferenceID:   referenceID,
		CreatedAt:     time.Now(),
	}
	return d.db.Create(&txn).Error
}

// Lock moves amount from available to locked, committing tokens to an open
// sell order.
func (d *Database) Lock(userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.Available < amount {
		return types.ErrInsufficientBalance
	}
	balance.Available -= amount
	balance.Locked += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnLock, amount, 0, referenceID)
}

// Unlock releases amount from locked back to available, used for the
// unfilled remainder of a cancelled or expired sell order.
func (d *Database) Unlock(userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.Locked < amount {
		return types.ErrInsufficientBalance
	}
	balance.Locked -= amount
	balance.Available += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnUnlock, amount, 0, referenceID)
}

// Transfer moves amount from the seller's locked tokens to the buyer's
// available tokens. Balance rows are locked in ascending user id order so
// concurrent settlements cannot deadlock.
func (d *Database) Transfer(sellerID, buyerID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}

	if sellerID == buyerID {
		balance, err := d.getOrCreateForUpdate(sellerID)
		if err != nil {
			return err
		}
		if balance.Locked < amount {
			return types.ErrInsufficientBalance
		}
		balance.Locked -= amount
		balance.Available += amount
		if err := d.save(balance); err != nil {
			return err
		}
	} else {
		first, second := sellerID, buyerID
		if second < first {
			first, second = second, first
		}
		balances := make(map[string]*types.Balance, 2)
		for _, id := range []string{first, second} {
			balance, err := d.getOrCreateForUpdate(id)
			if err != nil {
				return err
			}
			balances[id] = balance
		}
		seller, buyer := balances[sellerID], balances[buyerID]
		if seller.Locked < amount {
			return types.ErrInsufficientBalance
		}
		seller.Locked -= amount
		buyer.Available += amount
		if err := d.save(seller); err != nil {
			return err
		}
		if err := d.save(buyer); err != nil {
			return err
		}
	}

	if err := d.record(sellerID, types.TxnSell, amount, 0, referenceID); err != nil {
		return err
	}
	return d.record(buyerID, types.TxnBuy, amount, 0, referenceID)
}

// Credit adds externally earned tokens to a user's available balance.
func (d *Database) Credit(userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	balance.Available += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnEarn, amount, 0, referenceID)
}

// Debit removes spendable tokens from a user's available balance.
func (d *Database) Debit(userID string, amount int64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.Available < amount {
		return types.ErrInsufficientBalance
	}
	balance.Available -= amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnSpend, amount, 0, referenceID)
}

// LockFiat holds fiat collateral for an open buy order.
func (d *Database) LockFiat(userID string, amount float64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.FiatAvailable < amount {
		return types.ErrInsufficientBalance
	}
	balance.FiatAvailable -= amount
	balance.FiatLocked += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnFiatLock, 0, amount, referenceID)
}

// UnlockFiat releases a fiat hold back to available.
func (d *Database) UnlockFiat(userID string, amount float64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.FiatLocked < amount {
		return types.ErrInsufficientBalance
	}
	balance.FiatLocked -= amount
	balance.FiatAvailable += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnFiatUnlock, 0, amount, referenceID)
}

// SpendLockedFiat consumes part of a fiat hold at settlement.
func (d *Database) SpendLockedFiat(userID string, amount float64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	if balance.FiatLocked < amount {
		return types.ErrInsufficientBalance
	}
	balance.FiatLocked -= amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnFiatSpend, 0, amount, referenceID)
}

// EarnFiat credits fiat proceeds to a user's available fiat balance.
func (d *Database) EarnFiat(userID string, amount float64, referenceID string) error {
	if amount <= 0 {
		return types.ErrInvalidArgument
	}
	balance, err := d.getOrCreateForUpdate(userID)
	if err != nil {
		return err
	}
	balance.FiatAvailable += amount
	if err := d.save(balance); err != nil {
		return err
	}
	return d.record(userID, types.TxnFiatEarn, 0, amount, referenceID)
}

// GetBalance reads a user's balance without locking.
func (d *Database) GetBalance(userID string) (*types.Balance, error) {
	var balance types.Balance
	if err := d.db.Where("user_id = ?", userID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.Balance{UserID: userID}, nil
		}
		return nil, err
	}
	return &balance, nil
}

// GetUserTransactions returns a user's ledger entries, newest first.
func (d *Database) GetUserTransactions(userID string) ([]types.Transaction, error) {
	var txns []types.Transaction
	if err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
