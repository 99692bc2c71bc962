package ledger

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/loyalex/market-api/internal/database"
	"github.com/loyalex/market-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := database.NewDatabase(path)
	require.NoError(t, err)
	return db
}

func TestLockUnlock(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("user-1", 100, "ADJ_seed"))

	require.NoError(t, d.Lock("user-1", 40, "ORD_1"))
	balance, err := d.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance.Available)
	assert.Equal(t, int64(40), balance.Locked)

	require.NoError(t, d.Unlock("user-1", 15, "ORD_1"))
	balance, err = d.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance.Available)
	assert.Equal(t, int64(25), balance.Locked)
}

func TestLockInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("user-1", 10, "ADJ_seed"))

	err := d.Lock("user-1", 20, "ORD_1")
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)

	// Balance must be untouched after the failed lock
	balance, err := d.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Available)
	assert.Equal(t, int64(0), balance.Locked)
}

func TestUnlockMoreThanLocked(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("user-1", 100, "ADJ_seed"))
	require.NoError(t, d.Lock("user-1", 30, "ORD_1"))

	err := d.Unlock("user-1", 50, "ORD_1")
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
}

func TestLockValidation(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	assert.ErrorIs(t, d.Lock("user-1", 0, "ORD_1"), types.ErrInvalidArgument)
	assert.ErrorIs(t, d.Lock("user-1", -5, "ORD_1"), types.ErrInvalidArgument)
	assert.ErrorIs(t, d.Credit("user-1", 0, "ADJ_1"), types.ErrInvalidArgument)
}

func TestTransfer(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("seller", 50, "ADJ_seed"))
	require.NoError(t, d.Lock("seller", 50, "ORD_1"))

	require.NoError(t, d.Transfer("seller", "buyer", 30, "TRD_1"))

	seller, err := d.GetBalance("seller")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seller.Available)
	assert.Equal(t, int64(20), seller.Locked)

	buyer, err := d.GetBalance("buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(30), buyer.Available)
	assert.Equal(t, int64(0), buyer.Locked)
}

func TestTransferInsufficientLocked(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("seller", 50, "ADJ_seed"))
	require.NoError(t, d.Lock("seller", 10, "ORD_1"))

	err := d.Transfer("seller", "buyer", 30, "TRD_1")
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
}

func TestTransferSelfTrade(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("user-1", 40, "ADJ_seed"))
	require.NoError(t, d.Lock("user-1", 40, "ORD_1"))

	require.NoError(t, d.Transfer("user-1", "user-1", 40, "TRD_1"))

	balance, err := d.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance.Available)
	assert.Equal(t, int64(0), balance.Locked)
}

func TestFiatLifecycle(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.EarnFiat("buyer", 100, "ADJ_seed"))
	require.NoError(t, d.LockFiat("buyer", 60, "ORD_1"))
	require.NoError(t, d.SpendLockedFiat("buyer", 40, "TRD_1"))
	require.NoError(t, d.UnlockFiat("buyer", 20, "ORD_1"))

	balance, err := d.GetBalance("buyer")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, balance.FiatAvailable, 1e-9)
	assert.InDelta(t, 0.0, balance.FiatLocked, 1e-9)
}

func TestFiatLockInsufficient(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.EarnFiat("buyer", 10, "ADJ_seed"))
	assert.ErrorIs(t, d.LockFiat("buyer", 25, "ORD_1"), types.ErrInsufficientBalance)
}

func TestTransactionsRecorded(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("user-1", 100, "ADJ_seed"))
	require.NoError(t, d.Lock("user-1", 40, "ORD_1"))
	require.NoError(t, d.Unlock("user-1", 40, "ORD_1"))
	require.NoError(t, d.Debit("user-1", 10, "ADJ_spend"))

	txns, err := d.GetUserTransactions("user-1")
	require.NoError(t, err)
	require.Len(t, txns, 4)

	seen := make(map[string]int)
	for _, txn := range txns {
		seen[txn.Type]++
		assert.Equal(t, "user-1", txn.UserID)
		assert.True(t, strings.HasPrefix(txn.TransactionID, "TXN_"))
	}
	assert.Equal(t, 1, seen[types.TxnEarn])
	assert.Equal(t, 1, seen[types.TxnLock])
	assert.Equal(t, 1, seen[types.TxnUnlock])
	assert.Equal(t, 1, seen[types.TxnSpend])
}

func TestTransferRecordsBothSides(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	require.NoError(t, d.Credit("seller", 50, "ADJ_seed"))
	require.NoError(t, d.Lock("seller", 50, "ORD_1"))
	require.NoError(t, d.Transfer("seller", "buyer", 30, "TRD_1"))

	sellerTxns, err := d.GetUserTransactions("seller")
	require.NoError(t, err)
	buyerTxns, err := d.GetUserTransactions("buyer")
	require.NoError(t, err)

	var sellTxn *types.Transaction
	for i := range sellerTxns {
		if sellerTxns[i].Type == types.TxnSell {
			sellTxn = &sellerTxns[i]
		}
	}
	require.NotNil(t, sellTxn)
	assert.Equal(t, "TRD_1", sellTxn.ReferenceID)

	require.Len(t, buyerTxns, 1)
	assert.Equal(t, types.TxnBuy, buyerTxns[0].Type)
	assert.Equal(t, int64(30), buyerTxns[0].Amount)
}

func TestGetBalanceUnknownUser(t *testing.T) {
	db := newTestDB(t)
	d := NewDatabase(db)

	balance, err := d.GetBalance("nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Available)
	assert.Equal(t, int64(0), balance.Locked)
}

func TestServiceCreditDebit(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	refID, err := svc.Credit("user-1", 100, 50.0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(refID, "ADJ_"))

	balance, err := svc.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.InDelta(t, 50.0, balance.FiatAvailable, 1e-9)

	_, err = svc.Debit("user-1", 30)
	require.NoError(t, err)

	balance, err = svc.GetBalance("user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance.Available)

	_, err = svc.Debit("user-1", 500)
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
}
