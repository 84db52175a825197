package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/gateway"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGateway is a scriptable transfer network: each initiated transfer
// reports the configured status, and reversals are recorded.
type stubGateway struct {
	mu       sync.Mutex
	status   gateway.TransferStatus
	initErr  error
	next     int
	reversed []string
}

func (g *stubGateway) InitiateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return "", g.initErr
	}
	g.next++
	return fmt.Sprintf("TRF_%d", g.next), nil
}

func (g *stubGateway) PollStatus(ctx context.Context, transferRef string) (gateway.TransferStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *stubGateway) ReverseTransfer(ctx context.Context, transferRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reversed = append(g.reversed, transferRef)
	return nil
}

type openWindows struct{}

func (openWindows) WindowProcessable(string) error { return nil }

type fixture struct {
	executor *settlement.Executor
	ledger   *ledger.Service
	gw       *stubGateway
	events   *events.MemoryPublisher
}

func newFixture(t *testing.T, status gateway.TransferStatus) *fixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	publisher := events.NewMemoryPublisher()
	ledgerSvc := ledger.NewService(db, publisher)
	controller := atomicop.NewController(db, publisher, 2, time.Millisecond)
	gw := &stubGateway{status: status}

	executor := settlement.NewExecutor(db, ledgerSvc, controller, gw, publisher, openWindows{}, settlement.Config{
		ConfirmTimeout:            200 * time.Millisecond,
		CrossBorderConfirmTimeout: 200 * time.Millisecond,
		PollInterval:              10 * time.Millisecond,
		LockTTL:                   time.Minute,
	})

	_, err = ledgerSvc.CreateAccount("ACC_A", "BANK_A", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)
	_, err = ledgerSvc.CreateAccount("ACC_B", "BANK_B", "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
	require.NoError(t, err)

	return &fixture{executor: executor, ledger: ledgerSvc, gw: gw, events: publisher}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) instruction(t *testing.T, amount string) *settlement.Instruction {
	t.Helper()
	instructions, err := f.executor.CreateInstructions("WIN_1", []settlement.InstructionSpec{{
		NetPositionID: "POS_1",
		FromAccountID: "ACC_A",
		ToAccountID:   "ACC_B",
		Amount:        dec(amount),
		Currency:      "USD",
	}})
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	return &instructions[0]
}

func (f *fixture) balances(t *testing.T, accountID string) *ledger.Account {
	t.Helper()
	account, err := f.ledger.GetAccount(accountID)
	require.NoError(t, err)
	return account
}

func TestExecuteFinalizesAndMovesBalances(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)
	instruction := f.instruction(t, "40")

	require.NoError(t, f.executor.Execute(context.Background(), instruction.InstructionID))

	source := f.balances(t, "ACC_A")
	assert.True(t, source.LedgerBalance.Equal(dec("960")))
	assert.True(t, source.AvailableBalance.Equal(dec("960")))
	assert.True(t, source.LockedBalance.IsZero())

	dest := f.balances(t, "ACC_B")
	assert.True(t, dest.LedgerBalance.Equal(dec("1040")))

	final, err := f.executor.GetDB().GetInstruction(instruction.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFinalized, final.Status)

	require.Len(t, f.events.ByType(events.SettlementFinalized), 1)
}

func TestExecuteIsIdempotentOnceFinalized(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)
	instruction := f.instruction(t, "40")

	require.NoError(t, f.executor.Execute(context.Background(), instruction.InstructionID))
	// Re-executing a finalized instruction must not move funds again.
	require.NoError(t, f.executor.Execute(context.Background(), instruction.InstructionID))

	source := f.balances(t, "ACC_A")
	assert.True(t, source.LedgerBalance.Equal(dec("960")))
}

func TestInsufficientBalanceFailsSynchronously(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)
	instruction := f.instruction(t, "5000")

	err := f.executor.Execute(context.Background(), instruction.InstructionID)
	require.ErrorIs(t, err, types.ErrInsufficientBalance)

	// Nothing was mutated and no compensation ran.
	source := f.balances(t, "ACC_A")
	assert.True(t, source.LedgerBalance.Equal(dec("1000")))
	assert.True(t, source.AvailableBalance.Equal(dec("1000")))
	assert.Empty(t, f.gw.reversed)

	final, err := f.executor.GetDB().GetInstruction(instruction.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, final.Status)
}

func TestConfirmTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, gateway.TransferPending)
	instruction := f.instruction(t, "40")

	err := f.executor.Execute(context.Background(), instruction.InstructionID)
	require.ErrorIs(t, err, types.ErrAtomicOperationFailed)

	// The lock was released and the in-flight transfer reversed.
	source := f.balances(t, "ACC_A")
	assert.True(t, source.AvailableBalance.Equal(dec("1000")))
	assert.True(t, source.LockedBalance.IsZero())
	assert.Len(t, f.gw.reversed, 1)

	dest := f.balances(t, "ACC_B")
	assert.True(t, dest.LedgerBalance.Equal(dec("1000")))

	final, err := f.executor.GetDB().GetInstruction(instruction.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRolledBack, final.Status)

	require.Len(t, f.events.ByType(events.SettlementFailed), 1)
}

func TestExternalFailureRollsBack(t *testing.T) {
	f := newFixture(t, gateway.TransferFailed)
	instruction := f.instruction(t, "40")

	err := f.executor.Execute(context.Background(), instruction.InstructionID)
	require.ErrorIs(t, err, types.ErrAtomicOperationFailed)

	source := f.balances(t, "ACC_A")
	assert.True(t, source.AvailableBalance.Equal(dec("1000")))

	final, err := f.executor.GetDB().GetInstruction(instruction.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRolledBack, final.Status)
}

func TestTransferInitiationFailureRollsBack(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)
	f.gw.initErr = errors.New("network unreachable")
	instruction := f.instruction(t, "40")

	err := f.executor.Execute(context.Background(), instruction.InstructionID)
	require.ErrorIs(t, err, types.ErrAtomicOperationFailed)

	// Only the lock existed; no external transfer to reverse.
	source := f.balances(t, "ACC_A")
	assert.True(t, source.AvailableBalance.Equal(dec("1000")))
	assert.Empty(t, f.gw.reversed)
}

func TestDuplicateInstructionLegRefused(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)
	db := f.executor.GetDB()

	first := &settlement.Instruction{
		InstructionID: "SIN_dup_1",
		NetPositionID: "POS_1",
		SplitSeq:      0,
		WindowID:      "WIN_1",
		FromAccountID: "ACC_A",
		ToAccountID:   "ACC_B",
		Amount:        dec("40"),
		Currency:      "USD",
		Status:        settlement.StatusPending,
	}
	require.NoError(t, db.CreateInstruction(first))

	// A second leg for the same position and split sequence hits the
	// unique index and is refused with the duplicate sentinel.
	second := *first
	second.ID = 0
	second.InstructionID = "SIN_dup_2"
	err := db.CreateInstruction(&second)
	require.ErrorIs(t, err, types.ErrDuplicateInstruction)
}

func TestCreateInstructionsIsIdempotent(t *testing.T) {
	f := newFixture(t, gateway.TransferSettled)

	spec := settlement.InstructionSpec{
		NetPositionID: "POS_1",
		FromAccountID: "ACC_A",
		ToAccountID:   "ACC_B",
		Amount:        dec("40"),
		Currency:      "USD",
	}
	first, err := f.executor.CreateInstructions("WIN_1", []settlement.InstructionSpec{spec})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.executor.CreateInstructions("WIN_1", []settlement.InstructionSpec{spec})
	require.NoError(t, err)
	assert.Empty(t, second)
}
