package clearing_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/clearing"
	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/gateway"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// settledGateway settles every transfer instantly.
type settledGateway struct {
	mu       sync.Mutex
	next     int
	reversed []string
}

func (g *settledGateway) InitiateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("TRF_%d", g.next), nil
}

func (g *settledGateway) PollStatus(ctx context.Context, transferRef string) (gateway.TransferStatus, error) {
	return gateway.TransferSettled, nil
}

func (g *settledGateway) ReverseTransfer(ctx context.Context, transferRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reversed = append(g.reversed, transferRef)
	return nil
}

type managerGate struct {
	manager *clearing.Manager
}

func (g *managerGate) WindowProcessable(windowID string) error {
	return g.manager.WindowProcessable(windowID)
}

type windowFixture struct {
	db      *gorm.DB
	manager *clearing.Manager
	ledger  *ledger.Service
	events  *events.MemoryPublisher
}

func newWindowFixture(t *testing.T) *windowFixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	publisher := events.NewMemoryPublisher()
	ledgerSvc := ledger.NewService(db, publisher)
	controller := atomicop.NewController(db, publisher, 2, time.Millisecond)

	gate := &managerGate{}
	executor := settlement.NewExecutor(db, ledgerSvc, controller, &settledGateway{}, publisher, gate, settlement.Config{
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		LockTTL:        time.Minute,
	})
	nettingEngine := clearing.NewEngine(clearing.NewDatabase(db), ledgerSvc)
	manager := clearing.NewManager(db, nettingEngine, executor, controller, publisher, clearing.ManagerConfig{
		WindowDuration: time.Hour,
		GracePeriod:    time.Second,
	})
	gate.manager = manager

	return &windowFixture{db: db, manager: manager, ledger: ledgerSvc, events: publisher}
}

func (f *windowFixture) seedAccounts(t *testing.T, balance string, banks ...string) {
	t.Helper()
	for _, bank := range banks {
		_, err := f.ledger.CreateAccount("ACC_"+bank, bank, "USD", ledger.AccountTypeNostro, dec(balance), decimal.Zero)
		require.NoError(t, err)
	}
}

func (f *windowFixture) seedObligation(t *testing.T, windowID, payer, payee, amount string) {
	t.Helper()
	require.NoError(t, f.db.Create(&types.Obligation{
		ObligationID: fmt.Sprintf("OBL_%s_%s_%s", payer, payee, amount),
		WindowID:     windowID,
		PayerBankID:  payer,
		PayeeBankID:  payee,
		Currency:     "USD",
		Amount:       dec(amount),
		Status:       types.ObligationAdmitted,
	}).Error)
}

func TestWindowLifecycleTransitions(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusOpen, window.Status)

	// An open window is admittable.
	windowID, err := f.manager.AdmittableWindow()
	require.NoError(t, err)
	assert.Equal(t, window.WindowID, windowID)

	// Processing is refused before the window closes.
	err = f.manager.ProcessWindow(ctx, window.WindowID)
	require.ErrorIs(t, err, types.ErrInvalidWindowState)

	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))
	closed, err := f.manager.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusClosed, closed.Status)

	// A closed window no longer admits obligations.
	_, err = f.manager.AdmittableWindow()
	require.Error(t, err)
}

func TestGracePeriodStillAdmits(t *testing.T) {
	f := newWindowFixture(t)

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)

	// Move the window into its grace period.
	window.EndTime = time.Now().UTC().Add(-100 * time.Millisecond)
	window.GracePeriod = time.Minute
	require.NoError(t, f.manager.GetDB().UpdateWindow(window))
	require.NoError(t, f.manager.BeginClosing(window.WindowID))

	windowID, err := f.manager.AdmittableWindow()
	require.NoError(t, err)
	assert.Equal(t, window.WindowID, windowID)
}

func TestProcessWindowSettlesNetPositions(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "1000", types.ClearingBankID, "BANK_A", "BANK_B")

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	f.seedObligation(t, window.WindowID, "BANK_A", "BANK_B", "100")
	f.seedObligation(t, window.WindowID, "BANK_B", "BANK_A", "60")

	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))
	require.NoError(t, f.manager.ProcessWindow(ctx, window.WindowID))

	completed, err := f.manager.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusCompleted, completed.Status)

	// Net 40 moved from A to B through the clearing house.
	a, err := f.ledger.GetAccount("ACC_BANK_A")
	require.NoError(t, err)
	assert.True(t, a.LedgerBalance.Equal(dec("960")))

	b, err := f.ledger.GetAccount("ACC_BANK_B")
	require.NoError(t, err)
	assert.True(t, b.LedgerBalance.Equal(dec("1040")))

	house, err := f.ledger.GetAccount("ACC_" + types.ClearingBankID)
	require.NoError(t, err)
	assert.True(t, house.LedgerBalance.Equal(dec("1000")))

	require.Len(t, f.events.ByType(events.WindowCompleted), 1)
}

func TestWindowTransitionHasSingleWinner(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))

	db := f.manager.GetDB()
	require.NoError(t, db.TransitionWindow(window.WindowID, clearing.StatusClosed, clearing.StatusProcessing))

	// A second claimant racing on the same edge loses.
	err = db.TransitionWindow(window.WindowID, clearing.StatusClosed, clearing.StatusProcessing)
	require.ErrorIs(t, err, types.ErrInvalidWindowState)
}

func TestConcurrentProcessWindowSettlesOnce(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "1000", types.ClearingBankID, "BANK_A", "BANK_B")

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	f.seedObligation(t, window.WindowID, "BANK_A", "BANK_B", "100")
	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))

	// Operator and scheduler race to process the same closed window.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.manager.ProcessWindow(ctx, window.WindowID)
		}(i)
	}
	wg.Wait()

	// Exactly one runner claims the window, so the funds move once and
	// a single set of positions and instructions exists.
	a, err := f.ledger.GetAccount("ACC_BANK_A")
	require.NoError(t, err)
	assert.True(t, a.LedgerBalance.Equal(dec("900")))

	b, err := f.ledger.GetAccount("ACC_BANK_B")
	require.NoError(t, err)
	assert.True(t, b.LedgerBalance.Equal(dec("1100")))

	positions, err := f.manager.GetDB().GetPositionsForWindow(window.WindowID)
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	var instructions []settlement.Instruction
	require.NoError(t, f.db.Where("window_id = ?", window.WindowID).Find(&instructions).Error)
	assert.Len(t, instructions, 2)

	// The loser, if it got far enough to try the claim, saw the state
	// change.
	for _, runErr := range errs {
		if runErr != nil {
			require.ErrorIs(t, runErr, types.ErrInvalidWindowState)
		}
	}
}

func TestProcessWindowIsIdempotentOnceCompleted(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "1000", types.ClearingBankID, "BANK_A", "BANK_B")

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	f.seedObligation(t, window.WindowID, "BANK_A", "BANK_B", "100")

	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))
	require.NoError(t, f.manager.ProcessWindow(ctx, window.WindowID))
	// Reprocessing a completed window is a no-op.
	require.NoError(t, f.manager.ProcessWindow(ctx, window.WindowID))

	a, err := f.ledger.GetAccount("ACC_BANK_A")
	require.NoError(t, err)
	assert.True(t, a.LedgerBalance.Equal(dec("900")))
}

func TestProcessWindowFailureLeavesWindowFailed(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()
	// BANK_A cannot cover its net debit.
	f.seedAccounts(t, "1000", types.ClearingBankID, "BANK_B")
	f.seedAccounts(t, "10", "BANK_A")

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	f.seedObligation(t, window.WindowID, "BANK_A", "BANK_B", "100")

	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))
	require.Error(t, f.manager.ProcessWindow(ctx, window.WindowID))

	failed, err := f.manager.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusFailed, failed.Status)
	require.Len(t, f.events.ByType(events.WindowFailed), 1)

	// The defaulting debtor is untouched; the clearing house still pays
	// the creditor leg, absorbing the shortfall.
	a, err := f.ledger.GetAccount("ACC_BANK_A")
	require.NoError(t, err)
	assert.True(t, a.LedgerBalance.Equal(dec("10")))

	house, err := f.ledger.GetAccount("ACC_" + types.ClearingBankID)
	require.NoError(t, err)
	assert.True(t, house.LedgerBalance.Equal(dec("900")))

	b, err := f.ledger.GetAccount("ACC_BANK_B")
	require.NoError(t, err)
	assert.True(t, b.LedgerBalance.Equal(dec("1100")))
}

func TestRollbackWindowRequiresFailedState(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)

	err = f.manager.RollbackWindow(ctx, window.WindowID, "operator request")
	require.ErrorIs(t, err, types.ErrInvalidWindowState)
}

func TestRollbackWindowAfterFailure(t *testing.T) {
	f := newWindowFixture(t)
	ctx := context.Background()
	f.seedAccounts(t, "1000", types.ClearingBankID, "BANK_B")
	f.seedAccounts(t, "10", "BANK_A")

	window, err := f.manager.OpenWindow()
	require.NoError(t, err)
	f.seedObligation(t, window.WindowID, "BANK_A", "BANK_B", "100")

	require.NoError(t, f.manager.CloseWindow(ctx, window.WindowID))
	require.Error(t, f.manager.ProcessWindow(ctx, window.WindowID))

	require.NoError(t, f.manager.RollbackWindow(ctx, window.WindowID, "operator request"))

	rolled, err := f.manager.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusRolledBack, rolled.Status)
	require.Len(t, f.events.ByType(events.WindowRolledBack), 1)

	// Rolling back again is a no-op.
	require.NoError(t, f.manager.RollbackWindow(ctx, window.WindowID, "again"))
}
