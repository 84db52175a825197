package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MockNetwork simulates a correspondent banking network: transfers are
// accepted immediately, settle after a short latency, and occasionally
// fail outright. It also reports "externally confirmed" balances for
// reconciliation, tracked from the transfers it has settled.
type MockNetwork struct {
	// Simulation knobs.
	MinSettleLatency time.Duration
	MaxSettleLatency time.Duration
	SuccessRate      float64 // 0-1, probability a transfer settles

	mu        sync.Mutex
	transfers map[string]*mockTransfer
	balances  map[string]decimal.Decimal // accountID -> confirmed balance
}

type mockTransfer struct {
	req       TransferRequest
	settlesAt time.Time
	failed    bool
	reversed  bool
	applied   bool // confirmed balance move has been recorded
}

// NewMockNetwork creates a mock network with production-shaped defaults.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		MinSettleLatency: 50 * time.Millisecond,
		MaxSettleLatency: 500 * time.Millisecond,
		SuccessRate:      0.98,
		transfers:        make(map[string]*mockTransfer),
		balances:         make(map[string]decimal.Decimal),
	}
}

// SeedBalance sets the externally confirmed balance for an account.
func (n *MockNetwork) SeedBalance(accountID string, balance decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[accountID] = balance
}

func (n *MockNetwork) InitiateTransfer(_ context.Context, req TransferRequest) (string, error) {
	logger := log.With().
		Str("instruction_id", req.InstructionID).
		Str("from_account", req.FromAccountID).
		Str("to_account", req.ToAccountID).
		Str("amount", req.Amount.String()).
		Str("component", "mock_network").
		Logger()

	latency := n.MinSettleLatency
	if n.MaxSettleLatency > n.MinSettleLatency {
		latency += time.Duration(rand.Int63n(int64(n.MaxSettleLatency - n.MinSettleLatency)))
	}

	t := &mockTransfer{
		req:       req,
		settlesAt: time.Now().Add(latency),
		failed:    rand.Float64() > n.SuccessRate,
	}

	ref := "TRF_" + uuid.New().String()
	n.mu.Lock()
	n.transfers[ref] = t
	n.mu.Unlock()

	logger.Info().
		Str("transfer_ref", ref).
		Dur("settle_latency", latency).
		Bool("will_fail", t.failed).
		Msg("accepted transfer")

	return ref, nil
}

func (n *MockNetwork) PollStatus(_ context.Context, transferRef string) (TransferStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.transfers[transferRef]
	if !ok {
		return TransferFailed, fmt.Errorf("unknown transfer reference %s", transferRef)
	}
	if t.reversed || t.failed {
		return TransferFailed, nil
	}
	if time.Now().Before(t.settlesAt) {
		return TransferPending, nil
	}

	// Settle the confirmed balances the first time the settled state is
	// observed.
	if !t.applied {
		from := n.balances[t.req.FromAccountID]
		to := n.balances[t.req.ToAccountID]
		n.balances[t.req.FromAccountID] = from.Sub(t.req.Amount)
		n.balances[t.req.ToAccountID] = to.Add(t.req.Amount)
		t.applied = true
	}
	return TransferSettled, nil
}

func (n *MockNetwork) ReverseTransfer(_ context.Context, transferRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.transfers[transferRef]
	if !ok {
		return fmt.Errorf("unknown transfer reference %s", transferRef)
	}
	if t.reversed {
		return nil
	}

	// If the transfer had already settled externally, put the money back.
	if t.applied {
		from := n.balances[t.req.FromAccountID]
		to := n.balances[t.req.ToAccountID]
		n.balances[t.req.FromAccountID] = from.Add(t.req.Amount)
		n.balances[t.req.ToAccountID] = to.Sub(t.req.Amount)
	}
	t.reversed = true

	log.Info().
		Str("transfer_ref", transferRef).
		Str("component", "mock_network").
		Msg("reversed transfer")
	return nil
}

func (n *MockNetwork) ConfirmedBalance(_ context.Context, accountID, _ string) (decimal.Decimal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[accountID], nil
}
