package clearing

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Engine computes multilateral net positions for a closed window. Every
// participant's obligations per currency collapse to a single signed
// position against the clearing house.
type Engine struct {
	db     *Database
	ledger *ledger.Service
}

// NewEngine creates a netting engine.
func NewEngine(db *Database, ledgerSvc *ledger.Service) *Engine {
	return &Engine{db: db, ledger: ledgerSvc}
}

// ComputeNetPositions nets all obligations admitted into the window and
// persists the resulting positions together with the window's netting
// stats. The conservation check (net positions sum to zero per
// currency) blocks settlement on failure; it is a data-integrity
// condition, never something to settle through.
func (e *Engine) ComputeNetPositions(window *ClearingWindow) ([]NetPosition, error) {
	logger := log.With().
		Str("window_id", window.WindowID).
		Str("service", "netting").
		Logger()

	logger.Info().Msg("starting netting calculation")

	obligations, err := e.db.GetObligationsForWindow(window.WindowID)
	if err != nil {
		return nil, err
	}

	// net[currency][bank] accumulates amounts owed to the bank minus
	// amounts the bank owes.
	net := make(map[string]map[string]decimal.Decimal)
	gross := decimal.Zero
	for _, ob := range obligations {
		byBank, ok := net[ob.Currency]
		if !ok {
			byBank = make(map[string]decimal.Decimal)
			net[ob.Currency] = byBank
		}
		byBank[ob.PayeeBankID] = byBank[ob.PayeeBankID].Add(ob.Amount)
		byBank[ob.PayerBankID] = byBank[ob.PayerBankID].Sub(ob.Amount)
		gross = gross.Add(ob.Amount)
	}

	currencies := make([]string, 0, len(net))
	for currency := range net {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	var positions []NetPosition
	netValue := decimal.Zero
	for _, currency := range currencies {
		byBank := net[currency]

		banks := make([]string, 0, len(byBank))
		for bank := range byBank {
			banks = append(banks, bank)
		}
		sort.Strings(banks)

		sum := decimal.Zero
		for _, bank := range banks {
			amount := byBank[bank]
			sum = sum.Add(amount)
			if amount.IsZero() {
				continue
			}

			direction := DirectionCredit
			if amount.Sign() < 0 {
				direction = DirectionDebit
			} else {
				netValue = netValue.Add(amount)
			}

			positions = append(positions, NetPosition{
				PositionID: "POS_" + uuid.New().String(),
				WindowID:   window.WindowID,
				BankID:     bank,
				Currency:   currency,
				NetAmount:  amount,
				Direction:  direction,
				CreatedAt:  time.Now(),
			})
		}

		if !sum.IsZero() {
			logger.Error().
				Str("currency", currency).
				Str("residual", sum.String()).
				Msg("net positions do not sum to zero, blocking settlement")
			return nil, fmt.Errorf("%w: currency %s residual %s",
				types.ErrNettingConservation, currency, sum.String())
		}
	}

	window.ObligationsCount = len(obligations)
	window.GrossValue = gross
	window.NetValue = netValue
	if gross.Sign() > 0 {
		efficiency, _ := decimal.NewFromInt(1).
			Sub(netValue.Div(gross)).
			Float64()
		window.NettingEfficiency = efficiency
	}
	window.UpdatedAt = time.Now()

	if err := e.db.SaveNettingResult(window, positions); err != nil {
		return nil, err
	}

	logger.Info().
		Int("obligations", len(obligations)).
		Int("positions", len(positions)).
		Str("gross_value", gross.String()).
		Str("net_value", netValue.String()).
		Float64("netting_efficiency", window.NettingEfficiency).
		Msg("completed netting calculation")

	return positions, nil
}

// BuildInstructionSpecs converts net positions into settlement
// instruction specs: debtors pay the clearing house, the clearing house
// pays creditors. Positions above the per-instruction cap split
// deterministically, ordered by position id.
func (e *Engine) BuildInstructionSpecs(positions []NetPosition, maxAmount decimal.Decimal) ([]settlement.InstructionSpec, error) {
	// Debtor legs run first so the clearing house is funded before it
	// pays creditors; within each side, ordering by position id keeps
	// generation deterministic.
	sorted := make([]NetPosition, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Direction != sorted[j].Direction {
			return sorted[i].Direction == DirectionDebit
		}
		return sorted[i].PositionID < sorted[j].PositionID
	})

	var specs []settlement.InstructionSpec
	for _, pos := range sorted {
		clearingAccount, err := e.ledger.AccountForBank(types.ClearingBankID, pos.Currency)
		if err != nil {
			return nil, fmt.Errorf("no clearing house account for %s: %w", pos.Currency, err)
		}
		bankAccount, err := e.ledger.AccountForBank(pos.BankID, pos.Currency)
		if err != nil {
			return nil, fmt.Errorf("no account for bank %s in %s: %w", pos.BankID, pos.Currency, err)
		}

		from, to := bankAccount.AccountID, clearingAccount.AccountID
		if pos.Direction == DirectionCredit {
			from, to = clearingAccount.AccountID, bankAccount.AccountID
		}

		remaining := pos.NetAmount.Abs()
		seq := 0
		for remaining.Sign() > 0 {
			amount := remaining
			if maxAmount.Sign() > 0 && amount.Cmp(maxAmount) > 0 {
				amount = maxAmount
			}
			specs = append(specs, settlement.InstructionSpec{
				NetPositionID: pos.PositionID,
				SplitSeq:      seq,
				FromAccountID: from,
				ToAccountID:   to,
				Amount:        amount,
				Currency:      pos.Currency,
			})
			remaining = remaining.Sub(amount)
			seq++
		}
	}
	return specs, nil
}
