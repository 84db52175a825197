package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/gateway"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/types"
	"github.com/ksred/interclear/pkg/metrics"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// WindowStateChecker reports whether a window is in a state that allows
// its instructions to settle. Implemented by the clearing window
// manager.
type WindowStateChecker interface {
	WindowProcessable(windowID string) error
}

// Config carries the executor's pipeline timeouts.
type Config struct {
	ConfirmTimeout            time.Duration
	CrossBorderConfirmTimeout time.Duration
	PollInterval              time.Duration
	LockTTL                   time.Duration
}

// Executor runs the per-instruction settlement pipeline
// Validate -> Lock -> Transfer -> Confirm -> Finalize as a sequence of
// checkpointed steps under one atomic operation.
type Executor struct {
	db         *Database
	ledger     *ledger.Service
	controller *atomicop.Controller
	gw         gateway.Gateway
	publisher  events.Publisher
	windows    WindowStateChecker
	cfg        Config
}

// NewExecutor creates a settlement executor and registers its
// compensating actions with the operation controller.
func NewExecutor(
	gormDB *gorm.DB,
	ledgerSvc *ledger.Service,
	controller *atomicop.Controller,
	gw gateway.Gateway,
	publisher events.Publisher,
	windows WindowStateChecker,
	cfg Config,
) *Executor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.CrossBorderConfirmTimeout <= 0 {
		cfg.CrossBorderConfirmTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}

	e := &Executor{
		db:         NewDatabase(gormDB),
		ledger:     ledgerSvc,
		controller: controller,
		gw:         gw,
		publisher:  publisher,
		windows:    windows,
		cfg:        cfg,
	}
	e.registerCompensators()
	return e
}

// GetDB returns the settlement database wrapper.
func (e *Executor) GetDB() *Database {
	return e.db
}

// registerCompensators binds a compensating action to every checkpoint
// kind the pipeline writes. Each is idempotent; rollback may re-apply
// them after a crash.
func (e *Executor) registerCompensators() {
	e.controller.RegisterCompensator(atomicop.CheckpointValidated, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.ValidatedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		// Nothing was mutated by validation; just reflect the rollback on
		// the instruction.
		return e.db.UpdateInstructionStatus(data.InstructionID, StatusRolledBack, "")
	})

	e.controller.RegisterCompensator(atomicop.CheckpointFundsLocked, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.FundsLockedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		return e.ledger.Release(data.LockID, ledger.OutcomeReleased)
	})

	e.controller.RegisterCompensator(atomicop.CheckpointTransferInitiated, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.TransferInitiatedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		// Rollback is not complete until the external reversal is
		// acknowledged; the controller's retry budget bounds this.
		return e.gw.ReverseTransfer(ctx, data.TransferRef)
	})

	e.controller.RegisterCompensator(atomicop.CheckpointTransferConfirmed, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.TransferConfirmedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		return e.gw.ReverseTransfer(ctx, data.TransferRef)
	})
}

// CreateInstructions persists the instructions generated from a window's
// net positions. Generation is idempotent: positions that already have
// instructions are skipped.
func (e *Executor) CreateInstructions(windowID string, specs []InstructionSpec) ([]Instruction, error) {
	instructions := make([]Instruction, 0, len(specs))
	for _, spec := range specs {
		if spec.SplitSeq == 0 {
			count, err := e.db.CountForPosition(spec.NetPositionID)
			if err != nil {
				return nil, err
			}
			if count > 0 {
				log.Debug().
					Str("net_position_id", spec.NetPositionID).
					Msg("instructions already generated for position, skipping")
				continue
			}
		}

		instruction := Instruction{
			InstructionID: "SIN_" + uuid.New().String(),
			NetPositionID: spec.NetPositionID,
			SplitSeq:      spec.SplitSeq,
			WindowID:      windowID,
			FromAccountID: spec.FromAccountID,
			ToAccountID:   spec.ToAccountID,
			Amount:        spec.Amount,
			Currency:      spec.Currency,
			Status:        StatusPending,
			CrossBorder:   spec.CrossBorder,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		if err := e.db.CreateInstruction(&instruction); err != nil {
			return nil, fmt.Errorf("failed to create instruction: %w", err)
		}
		instructions = append(instructions, instruction)
	}
	return instructions, nil
}

// Execute drives one instruction through the full settlement pipeline.
// Validation failures return synchronously without touching balances;
// any failure after the lock stage triggers automatic compensating
// rollback.
func (e *Executor) Execute(ctx context.Context, instructionID string) error {
	started := time.Now()
	defer func() {
		metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	}()

	instruction, err := e.db.GetInstruction(instructionID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("instruction_id", instruction.InstructionID).
		Str("window_id", instruction.WindowID).
		Str("from_account", instruction.FromAccountID).
		Str("to_account", instruction.ToAccountID).
		Str("amount", instruction.Amount.String()).
		Str("currency", instruction.Currency).
		Str("service", "settlement").
		Logger()

	// Re-executing a finalized instruction is a no-op.
	if instruction.Status == StatusFinalized {
		logger.Debug().Msg("instruction already finalized")
		return nil
	}
	if instruction.Status != StatusPending {
		return fmt.Errorf("instruction %s is not pending (status %s)", instructionID, instruction.Status)
	}

	logger.Info().Msg("starting settlement pipeline")

	op, err := e.controller.Begin("settlement", instruction.WindowID)
	if err != nil {
		return err
	}
	instruction.OperationID = op.ID()
	instruction.UpdatedAt = time.Now()
	if err := e.db.UpdateInstruction(instruction); err != nil {
		return err
	}

	// Stage 1: Validate. Nothing has been mutated yet, so a failure here
	// returns synchronously and performs no compensation.
	if err := e.validate(instruction); err != nil {
		logger.Warn().Err(err).Msg("instruction validation failed")
		if dbErr := e.db.UpdateInstructionStatus(instruction.InstructionID, StatusFailed, err.Error()); dbErr != nil {
			logger.Error().Err(dbErr).Msg("failed to persist validation failure")
		}
		if rbErr := op.Rollback(ctx, "validation failed: "+err.Error()); rbErr != nil {
			logger.Error().Err(rbErr).Msg("failed to close operation after validation failure")
		}
		e.publishFailed(ctx, instruction, err)
		return err
	}
	if _, err := op.Checkpoint(atomicop.CheckpointValidated, atomicop.ValidatedData{
		InstructionID: instruction.InstructionID,
	}); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}

	// Stage 2: Lock. A single short-lived storage transaction reserves
	// the funds; the longer Transfer/Confirm wait never holds it.
	lock, err := e.ledger.Acquire(
		instruction.FromAccountID,
		instruction.Amount,
		instruction.Currency,
		op.ID(),
		e.cfg.LockTTL,
	)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientBalance) {
			// Balance errors are synchronous: nothing was mutated.
			logger.Warn().Err(err).Msg("fund lock rejected")
			if rbErr := op.Rollback(ctx, "lock rejected: "+err.Error()); rbErr != nil {
				logger.Error().Err(rbErr).Msg("failed to close operation after lock rejection")
			}
			if dbErr := e.db.UpdateInstructionStatus(instruction.InstructionID, StatusFailed, err.Error()); dbErr != nil {
				logger.Error().Err(dbErr).Msg("failed to persist lock failure")
			}
			e.publishFailed(ctx, instruction, err)
			return err
		}
		return e.fail(ctx, op, instruction, logger, err)
	}
	if _, err := op.Checkpoint(atomicop.CheckpointFundsLocked, atomicop.FundsLockedData{
		LockID:    lock.LockID,
		AccountID: instruction.FromAccountID,
	}); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	if err := e.db.UpdateInstructionStatus(instruction.InstructionID, StatusLocked, ""); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	logger.Debug().Str("lock_id", lock.LockID).Msg("funds locked")

	// Stage 3: Transfer. Hand the leg to the external network.
	transferRef, err := e.gw.InitiateTransfer(ctx, gateway.TransferRequest{
		InstructionID: instruction.InstructionID,
		FromAccountID: instruction.FromAccountID,
		ToAccountID:   instruction.ToAccountID,
		Amount:        instruction.Amount,
		Currency:      instruction.Currency,
		CrossBorder:   instruction.CrossBorder,
	})
	if err != nil {
		return e.fail(ctx, op, instruction, logger, fmt.Errorf("transfer initiation failed: %w", err))
	}
	instruction.TransferRef = transferRef
	instruction.Status = StatusTransferring
	instruction.UpdatedAt = time.Now()
	if err := e.db.UpdateInstruction(instruction); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	if _, err := op.Checkpoint(atomicop.CheckpointTransferInitiated, atomicop.TransferInitiatedData{
		TransferRef:   transferRef,
		InstructionID: instruction.InstructionID,
	}); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	logger.Debug().Str("transfer_ref", transferRef).Msg("transfer initiated")

	// Stage 4: Confirm. Bounded poll; a timeout is a failure requiring
	// rollback, never a success.
	if err := e.confirm(ctx, instruction, logger); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	if _, err := op.Checkpoint(atomicop.CheckpointTransferConfirmed, atomicop.TransferConfirmedData{
		TransferRef: transferRef,
	}); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	if err := e.db.UpdateInstructionStatus(instruction.InstructionID, StatusConfirmed, ""); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	logger.Debug().Msg("transfer confirmed")

	// Stage 5: Finalize. One storage transaction converts the lock into
	// a source debit and destination credit; then the operation commits.
	if err := e.ledger.PostSettlement(lock.LockID, instruction.ToAccountID); err != nil {
		return e.fail(ctx, op, instruction, logger, err)
	}
	if err := e.db.UpdateInstructionStatus(instruction.InstructionID, StatusFinalized, ""); err != nil {
		// Balances are durably posted; surface the inconsistency rather
		// than rolling back a completed transfer.
		logger.Error().Err(err).Msg("settlement posted but instruction status update failed")
		return err
	}
	if err := op.Commit(); err != nil {
		logger.Error().Err(err).Msg("settlement posted but operation commit failed")
		return err
	}

	metrics.SettlementsFinalized.Inc()
	if err := e.publisher.Publish(ctx, events.New(events.SettlementFinalized, map[string]any{
		"instruction_id": instruction.InstructionID,
		"window_id":      instruction.WindowID,
		"operation_id":   op.ID(),
		"amount":         instruction.Amount.String(),
		"currency":       instruction.Currency,
	})); err != nil {
		logger.Error().Err(err).Msg("failed to publish settlement finalized event")
	}

	logger.Info().Str("operation_id", op.ID()).Msg("settlement finalized")
	return nil
}

// validate runs the pre-mutation checks: account existence and status,
// currency match, window state and positive amount.
func (e *Executor) validate(instruction *Instruction) error {
	if instruction.Amount.Sign() <= 0 {
		return errors.New("instruction amount must be positive")
	}

	if err := e.windows.WindowProcessable(instruction.WindowID); err != nil {
		return err
	}

	source, err := e.ledger.GetAccount(instruction.FromAccountID)
	if err != nil {
		return err
	}
	dest, err := e.ledger.GetAccount(instruction.ToAccountID)
	if err != nil {
		return err
	}

	if source.Status != ledger.AccountActive || dest.Status != ledger.AccountActive {
		return types.ErrAccountInactive
	}
	if source.Currency != instruction.Currency || dest.Currency != instruction.Currency {
		return types.ErrCurrencyMismatch
	}
	return nil
}

// confirm polls the external network until the transfer settles, fails,
// or the deadline passes.
func (e *Executor) confirm(ctx context.Context, instruction *Instruction, logger zerolog.Logger) error {
	timeout := e.cfg.ConfirmTimeout
	if instruction.CrossBorder {
		timeout = e.cfg.CrossBorderConfirmTimeout
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.gw.PollStatus(ctx, instruction.TransferRef)
		if err != nil {
			return fmt.Errorf("transfer status poll failed: %w", err)
		}
		switch status {
		case gateway.TransferSettled:
			return nil
		case gateway.TransferFailed:
			return fmt.Errorf("external transfer %s failed", instruction.TransferRef)
		}

		if time.Now().After(deadline) {
			logger.Warn().
				Dur("timeout", timeout).
				Str("transfer_ref", instruction.TransferRef).
				Msg("confirmation deadline passed")
			return types.ErrExternalTransferTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fail rolls the operation back and records the instruction's terminal
// state: ROLLED_BACK when compensation succeeded, FAILED when it
// exhausted its retries and needs an operator.
func (e *Executor) fail(ctx context.Context, op *atomicop.Operation, instruction *Instruction, logger zerolog.Logger, cause error) error {
	logger.Error().Err(cause).Msg("settlement pipeline step failed, rolling back")

	finalStatus := StatusRolledBack
	rbErr := op.Rollback(ctx, cause.Error())
	if rbErr != nil {
		finalStatus = StatusFailed
		logger.Error().Err(rbErr).Msg("rollback did not complete")
	}

	if dbErr := e.db.UpdateInstructionStatus(instruction.InstructionID, finalStatus, cause.Error()); dbErr != nil {
		logger.Error().Err(dbErr).Msg("failed to persist instruction failure state")
	}

	metrics.SettlementsFailed.Inc()
	e.publishFailed(ctx, instruction, cause)

	if rbErr != nil {
		return fmt.Errorf("%w: %v", types.ErrRollbackFailed, cause)
	}
	return fmt.Errorf("%w: %v", types.ErrAtomicOperationFailed, cause)
}

func (e *Executor) publishFailed(ctx context.Context, instruction *Instruction, cause error) {
	if err := e.publisher.Publish(ctx, events.New(events.SettlementFailed, map[string]any{
		"instruction_id": instruction.InstructionID,
		"window_id":      instruction.WindowID,
		"operation_id":   instruction.OperationID,
		"error":          cause.Error(),
	})); err != nil {
		log.Error().Err(err).Str("instruction_id", instruction.InstructionID).Msg("failed to publish settlement failed event")
	}
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	executor *Executor
}

func NewGinHandlers(executor *Executor) *GinHandlers {
	return &GinHandlers{executor: executor}
}

func (h *GinHandlers) GetInstructionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instructionID := c.Param("instruction_id")

		instruction, err := h.executor.db.GetInstruction(instructionID)
		response.Handle(c, instruction, err)
	}
}

func (h *GinHandlers) GetWindowInstructionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		instructions, err := h.executor.db.GetInstructionsForWindow(windowID)
		response.Handle(c, instructions, err)
	}
}
