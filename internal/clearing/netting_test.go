package clearing_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/interclear/internal/clearing"
	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newNettingFixture(t *testing.T) (*gorm.DB, *clearing.Engine, *ledger.Service) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	ledgerSvc := ledger.NewService(db, events.NewMemoryPublisher())
	engine := clearing.NewEngine(clearing.NewDatabase(db), ledgerSvc)
	return db, engine, ledgerSvc
}

func seedWindow(t *testing.T, db *gorm.DB, windowID string) *clearing.ClearingWindow {
	t.Helper()
	window := &clearing.ClearingWindow{
		WindowID:    windowID,
		Status:      clearing.StatusClosed,
		StartTime:   time.Now().Add(-time.Hour),
		EndTime:     time.Now(),
		GracePeriod: 30 * time.Second,
		GrossValue:  decimal.Zero,
		NetValue:    decimal.Zero,
	}
	require.NoError(t, db.Create(window).Error)
	return window
}

func seedObligation(t *testing.T, db *gorm.DB, windowID, payer, payee, currency, amount string) {
	t.Helper()
	require.NoError(t, db.Create(&types.Obligation{
		ObligationID: "OBL_" + payer + "_" + payee + "_" + amount,
		WindowID:     windowID,
		PayerBankID:  payer,
		PayeeBankID:  payee,
		Currency:     currency,
		Amount:       dec(amount),
		Status:       types.ObligationAdmitted,
	}).Error)
}

func TestBilateralObligationsNetToSinglePosition(t *testing.T) {
	db, engine, _ := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")

	// A owes B 100, B owes A 60: nets to A -40, B +40.
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")
	seedObligation(t, db, "WIN_1", "BANK_B", "BANK_A", "USD", "60")

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	byBank := map[string]clearing.NetPosition{}
	for _, pos := range positions {
		byBank[pos.BankID] = pos
	}
	assert.True(t, byBank["BANK_A"].NetAmount.Equal(dec("-40")))
	assert.Equal(t, clearing.DirectionDebit, byBank["BANK_A"].Direction)
	assert.True(t, byBank["BANK_B"].NetAmount.Equal(dec("40")))
	assert.Equal(t, clearing.DirectionCredit, byBank["BANK_B"].Direction)

	assert.True(t, window.GrossValue.Equal(dec("160")))
	assert.True(t, window.NetValue.Equal(dec("40")))
	assert.InDelta(t, 0.75, window.NettingEfficiency, 0.0001)
}

func TestNetPositionsSumToZeroPerCurrency(t *testing.T) {
	db, engine, _ := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")

	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")
	seedObligation(t, db, "WIN_1", "BANK_B", "BANK_C", "USD", "250")
	seedObligation(t, db, "WIN_1", "BANK_C", "BANK_A", "USD", "75")
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_C", "EUR", "30")

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)

	sums := map[string]decimal.Decimal{}
	for _, pos := range positions {
		sums[pos.Currency] = sums[pos.Currency].Add(pos.NetAmount)
	}
	for currency, sum := range sums {
		assert.True(t, sum.IsZero(), "residual %s in %s", sum, currency)
	}
}

func TestPerfectlyOffsettingObligationsProduceNoPositions(t *testing.T) {
	db, engine, _ := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")

	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")
	seedObligation(t, db, "WIN_1", "BANK_B", "BANK_A", "USD", "100")

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.True(t, window.NetValue.IsZero())
	assert.InDelta(t, 1.0, window.NettingEfficiency, 0.0001)
}

func TestNettingMarksObligationsNetted(t *testing.T) {
	db, engine, _ := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")

	_, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)

	var obligations []types.Obligation
	require.NoError(t, db.Where("window_id = ?", "WIN_1").Find(&obligations).Error)
	for _, ob := range obligations {
		assert.Equal(t, types.ObligationNetted, ob.Status)
	}
}

func TestBuildInstructionSpecsRoutesThroughClearingHouse(t *testing.T) {
	db, engine, ledgerSvc := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")
	seedObligation(t, db, "WIN_1", "BANK_B", "BANK_A", "USD", "60")

	for _, bank := range []string{types.ClearingBankID, "BANK_A", "BANK_B"} {
		_, err := ledgerSvc.CreateAccount("ACC_"+bank, bank, "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
		require.NoError(t, err)
	}

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)

	specs, err := engine.BuildInstructionSpecs(positions, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	// The debtor leg funds the clearing house before the creditor leg
	// pays out of it.
	assert.Equal(t, "ACC_BANK_A", specs[0].FromAccountID)
	assert.Equal(t, "ACC_"+types.ClearingBankID, specs[0].ToAccountID)
	assert.Equal(t, "ACC_"+types.ClearingBankID, specs[1].FromAccountID)
	assert.Equal(t, "ACC_BANK_B", specs[1].ToAccountID)
	assert.True(t, specs[0].Amount.Equal(dec("40")))
	assert.True(t, specs[1].Amount.Equal(dec("40")))
}

func TestBuildInstructionSpecsSplitsAboveCap(t *testing.T) {
	db, engine, ledgerSvc := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")

	for _, bank := range []string{types.ClearingBankID, "BANK_A", "BANK_B"} {
		_, err := ledgerSvc.CreateAccount("ACC_"+bank, bank, "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
		require.NoError(t, err)
	}

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)

	specs, err := engine.BuildInstructionSpecs(positions, dec("30"))
	require.NoError(t, err)
	// Each 100 position splits into 30+30+30+10.
	require.Len(t, specs, 8)

	total := decimal.Zero
	for _, spec := range specs {
		assert.True(t, spec.Amount.Cmp(dec("30")) <= 0)
		total = total.Add(spec.Amount)
	}
	assert.True(t, total.Equal(dec("200")))
	assert.Equal(t, 0, specs[0].SplitSeq)
	assert.Equal(t, 1, specs[1].SplitSeq)
}

func TestBuildInstructionSpecsFailsWithoutClearingAccount(t *testing.T) {
	db, engine, ledgerSvc := newNettingFixture(t)
	window := seedWindow(t, db, "WIN_1")
	seedObligation(t, db, "WIN_1", "BANK_A", "BANK_B", "USD", "100")

	// Participant accounts exist but the clearing house has none.
	for _, bank := range []string{"BANK_A", "BANK_B"} {
		_, err := ledgerSvc.CreateAccount("ACC_"+bank, bank, "USD", ledger.AccountTypeNostro, dec("1000"), decimal.Zero)
		require.NoError(t, err)
	}

	positions, err := engine.ComputeNetPositions(window)
	require.NoError(t, err)

	_, err = engine.BuildInstructionSpecs(positions, decimal.Zero)
	require.Error(t, err)
}
