package ledger_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *ledger.Service {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return ledger.NewService(db, events.NewMemoryPublisher())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// requireInvariant asserts ledger == available + locked for an account.
func requireInvariant(t *testing.T, svc *ledger.Service, accountID string) {
	t.Helper()
	account, err := svc.GetAccount(accountID)
	require.NoError(t, err)
	require.True(t,
		account.LedgerBalance.Equal(account.AvailableBalance.Add(account.LockedBalance)),
		"ledger %s != available %s + locked %s",
		account.LedgerBalance, account.AvailableBalance, account.LockedBalance)
}

func TestAcquireReservesAvailableBalance(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	lock, err := svc.Acquire("ACC_A", dec("1000"), "USD", "OP_1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ledger.LockActive, lock.Status)

	account, err := svc.GetAccount("ACC_A")
	require.NoError(t, err)
	assert.True(t, account.AvailableBalance.IsZero())
	assert.True(t, account.LockedBalance.Equal(dec("1000")))
	assert.True(t, account.LedgerBalance.Equal(dec("1000")))
	requireInvariant(t, svc, "ACC_A")
}

func TestAcquireRejectsWhenFullyLocked(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	_, err = svc.Acquire("ACC_A", dec("1000"), "USD", "OP_1", time.Minute)
	require.NoError(t, err)

	// The full balance is reserved; even the smallest further lock fails.
	_, err = svc.Acquire("ACC_A", dec("1"), "USD", "OP_2", time.Minute)
	require.ErrorIs(t, err, types.ErrInsufficientBalance)
	requireInvariant(t, svc, "ACC_A")
}

func TestConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	// Two locks of 600 against 1000: one must win, one must fail.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Acquire("ACC_A", dec("600"), "USD", "OP_CONCURRENT", time.Minute)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, types.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	account, err := svc.GetAccount("ACC_A")
	require.NoError(t, err)
	assert.True(t, account.LockedBalance.Equal(dec("600")))
	assert.True(t, account.AvailableBalance.Equal(dec("400")))
	requireInvariant(t, svc, "ACC_A")
}

func TestReleaseRestoresAvailableBalance(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	lock, err := svc.Acquire("ACC_A", dec("250"), "USD", "OP_1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.Release(lock.LockID, ledger.OutcomeReleased))

	account, err := svc.GetAccount("ACC_A")
	require.NoError(t, err)
	assert.True(t, account.AvailableBalance.Equal(dec("1000")))
	assert.True(t, account.LockedBalance.IsZero())

	released, err := svc.GetDB().GetLock(lock.LockID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LockReleased, released.Status)
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	lock, err := svc.Acquire("ACC_A", dec("250"), "USD", "OP_1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.Release(lock.LockID, ledger.OutcomeReleased))
	// A second release must not double-credit the account.
	require.NoError(t, svc.Release(lock.LockID, ledger.OutcomeReleased))

	account, err := svc.GetAccount("ACC_A")
	require.NoError(t, err)
	assert.True(t, account.AvailableBalance.Equal(dec("1000")))
	requireInvariant(t, svc, "ACC_A")
}

func TestPostSettlementMovesFunds(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)
	_, err = svc.CreateAccount("ACC_B", "BANK_B", "USD", ledger.AccountTypeNostro, dec("500"), decimal.Zero)
	require.NoError(t, err)

	lock, err := svc.Acquire("ACC_A", dec("300"), "USD", "OP_1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.PostSettlement(lock.LockID, "ACC_B"))

	source, err := svc.GetAccount("ACC_A")
	require.NoError(t, err)
	assert.True(t, source.LedgerBalance.Equal(dec("700")))
	assert.True(t, source.LockedBalance.IsZero())

	dest, err := svc.GetAccount("ACC_B")
	require.NoError(t, err)
	assert.True(t, dest.LedgerBalance.Equal(dec("800")))
	assert.True(t, dest.AvailableBalance.Equal(dec("800")))

	requireInvariant(t, svc, "ACC_A")
	requireInvariant(t, svc, "ACC_B")

	consumed, err := svc.GetDB().GetLock(lock.LockID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LockConsumed, consumed.Status)

	// A consumed lock cannot settle twice.
	require.Error(t, svc.PostSettlement(lock.LockID, "ACC_B"))
}

func TestAcquireRejectsCurrencyMismatch(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	_, err = svc.Acquire("ACC_A", dec("100"), "EUR", "OP_1", time.Minute)
	require.ErrorIs(t, err, types.ErrCurrencyMismatch)
}

func TestAcquireRejectsUnknownAccount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Acquire("ACC_MISSING", dec("100"), "USD", "OP_1", time.Minute)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}
