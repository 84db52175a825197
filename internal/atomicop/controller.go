package atomicop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/types"
	"github.com/ksred/interclear/pkg/metrics"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CompensateFunc reverses the side effect recorded by one checkpoint.
// Compensators must be idempotent: a rollback retried after a crash will
// re-apply them.
type CompensateFunc func(ctx context.Context, cp *Checkpoint) error

// Controller creates and tracks atomic operations, drives checkpoint
// creation, and performs commit or full reverse-order rollback.
type Controller struct {
	db         *Database
	publisher  events.Publisher
	maxRetries int
	backoff    time.Duration

	mu           sync.RWMutex
	compensators map[string]CompensateFunc
}

// NewController creates an operation controller. maxRetries and backoff
// bound the per-checkpoint compensation retry budget.
func NewController(gormDB *gorm.DB, publisher events.Publisher, maxRetries int, backoff time.Duration) *Controller {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Controller{
		db:           NewDatabase(gormDB),
		publisher:    publisher,
		maxRetries:   maxRetries,
		backoff:      backoff,
		compensators: make(map[string]CompensateFunc),
	}
}

// GetDB returns the operation database wrapper.
func (c *Controller) GetDB() *Database {
	return c.db
}

// RegisterCompensator binds a compensating action to a checkpoint name.
func (c *Controller) RegisterCompensator(name string, fn CompensateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensators[name] = fn
}

func (c *Controller) compensator(name string) (CompensateFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.compensators[name]
	return fn, ok
}

// Operation is a handle on one in-flight atomic operation.
type Operation struct {
	ctrl   *Controller
	record *AtomicOperation
}

// Begin creates a new operation and moves it straight to IN_PROGRESS.
// windowID may be empty for operations that are not window-scoped.
func (c *Controller) Begin(operationType, windowID string) (*Operation, error) {
	op := &AtomicOperation{
		OperationID:   "OP_" + uuid.New().String(),
		WindowID:      windowID,
		OperationType: operationType,
		State:         StatePending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := c.db.CreateOperation(op); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}

	op.State = StateInProgress
	op.UpdatedAt = time.Now()
	if err := c.db.UpdateOperation(op); err != nil {
		return nil, fmt.Errorf("failed to start operation: %w", err)
	}

	log.Debug().
		Str("operation_id", op.OperationID).
		Str("operation_type", operationType).
		Str("window_id", windowID).
		Msg("began atomic operation")

	return &Operation{ctrl: c, record: op}, nil
}

// ID returns the operation identifier.
func (o *Operation) ID() string {
	return o.record.OperationID
}

// Checkpoint appends a named checkpoint with its typed rollback payload.
// Each pipeline step calls this immediately after its side effect
// succeeds.
func (o *Operation) Checkpoint(name string, data any) (string, error) {
	encoded, err := EncodeData(data)
	if err != nil {
		return "", err
	}
	cp, err := o.ctrl.db.CreateCheckpoint(o.record.OperationID, name, encoded)
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("operation_id", o.record.OperationID).
		Str("checkpoint", name).
		Int("seq", cp.Seq).
		Msg("recorded checkpoint")

	return cp.CheckpointID, nil
}

// Execute runs a pipeline step and, if it fails, automatically rolls the
// operation back before returning the step's error wrapped as an
// AtomicOperationFailed.
func (o *Operation) Execute(ctx context.Context, step func() error) error {
	if err := step(); err != nil {
		if rbErr := o.Rollback(ctx, err.Error()); rbErr != nil {
			return fmt.Errorf("%w: %v (rollback: %v)", types.ErrAtomicOperationFailed, err, rbErr)
		}
		return fmt.Errorf("%w: %v", types.ErrAtomicOperationFailed, err)
	}
	return nil
}

// Commit marks the operation COMMITTED. Only valid from IN_PROGRESS.
func (o *Operation) Commit() error {
	op, err := o.ctrl.db.GetOperation(o.record.OperationID)
	if err != nil {
		return err
	}
	if op.State != StateInProgress {
		return fmt.Errorf("cannot commit operation %s in state %s", op.OperationID, op.State)
	}

	now := time.Now()
	op.State = StateCommitted
	op.CompletedAt = &now
	op.UpdatedAt = now
	if err := o.ctrl.db.UpdateOperation(op); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}
	o.record = op

	log.Info().
		Str("operation_id", op.OperationID).
		Str("operation_type", op.OperationType).
		Msg("committed atomic operation")
	return nil
}

// Rollback walks the operation's checkpoints in strict reverse creation
// order, applying the registered compensating action for each. It is
// idempotent: rolling back an already rolled-back operation is a no-op.
func (o *Operation) Rollback(ctx context.Context, reason string) error {
	return o.ctrl.RollbackOperation(ctx, o.record.OperationID, reason)
}

// RollbackOperation rolls back an operation by ID. Used by the handle
// and by window-level rollback, which walks operations it did not begin.
func (c *Controller) RollbackOperation(ctx context.Context, operationID, reason string) error {
	logger := log.With().
		Str("operation_id", operationID).
		Str("component", "atomic_controller").
		Logger()

	op, err := c.db.GetOperation(operationID)
	if err != nil {
		return err
	}

	switch op.State {
	case StateRolledBack:
		logger.Debug().Msg("operation already rolled back, rollback is a no-op")
		return nil
	case StateCommitted:
		return fmt.Errorf("cannot roll back committed operation %s", operationID)
	case StateFailed:
		// A failed rollback is never retried automatically.
		return fmt.Errorf("%w: operation %s requires operator intervention", types.ErrRollbackFailed, operationID)
	}

	logger.Warn().Str("reason", reason).Msg("rolling back atomic operation")

	checkpoints, err := c.db.ListReverse(operationID)
	if err != nil {
		return err
	}

	for i := range checkpoints {
		cp := &checkpoints[i]
		if err := c.compensate(ctx, cp); err != nil {
			// Compensation exhausted its retry budget: the operation is
			// unrecoverable and needs a human.
			now := time.Now()
			op.State = StateFailed
			op.Reason = fmt.Sprintf("compensation of %s failed: %v", cp.Name, err)
			op.CompletedAt = &now
			op.UpdatedAt = now
			if saveErr := c.db.UpdateOperation(op); saveErr != nil {
				logger.Error().Err(saveErr).Msg("failed to persist FAILED state")
			}

			metrics.RollbacksFailed.Inc()
			c.publishFailure(ctx, op, cp.Name, err)

			logger.Error().
				Err(err).
				Str("checkpoint", cp.Name).
				Msg("rollback failed, operation escalated for manual intervention")
			return fmt.Errorf("%w: checkpoint %s: %v", types.ErrRollbackFailed, cp.Name, err)
		}

		logger.Debug().
			Str("checkpoint", cp.Name).
			Int("seq", cp.Seq).
			Msg("applied compensating action")
	}

	now := time.Now()
	op.State = StateRolledBack
	op.Reason = reason
	op.CompletedAt = &now
	op.UpdatedAt = now
	if err := c.db.UpdateOperation(op); err != nil {
		return fmt.Errorf("failed to persist rolled back state: %w", err)
	}

	metrics.OperationsRolledBack.Inc()
	logger.Info().Msg("atomic operation rolled back")
	return nil
}

// compensate applies one checkpoint's compensating action with the
// bounded retry budget and exponential backoff.
func (c *Controller) compensate(ctx context.Context, cp *Checkpoint) error {
	fn, ok := c.compensator(cp.Name)
	if !ok {
		return fmt.Errorf("no compensating action registered for checkpoint %q", cp.Name)
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := fn(ctx, cp); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("operation_id", cp.OperationID).
				Str("checkpoint", cp.Name).
				Int("attempt", attempt).
				Int("max_retries", c.maxRetries).
				Msg("compensating action failed")

			if attempt < c.maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Controller) publishFailure(ctx context.Context, op *AtomicOperation, checkpoint string, cause error) {
	err := c.publisher.Publish(ctx, events.New(events.OperationFailed, map[string]any{
		"operation_id":   op.OperationID,
		"operation_type": op.OperationType,
		"window_id":      op.WindowID,
		"checkpoint":     checkpoint,
		"error":          cause.Error(),
	}))
	if err != nil {
		log.Error().Err(err).Str("operation_id", op.OperationID).Msg("failed to publish operation failure event")
	}
}

// GetOperationStatus returns the status view of an operation including
// its checkpoint trail.
func (c *Controller) GetOperationStatus(operationID string) (*OperationResponse, error) {
	op, err := c.db.GetOperation(operationID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := c.db.ListForward(operationID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		names = append(names, cp.Name)
	}

	return &OperationResponse{
		OperationID:   op.OperationID,
		WindowID:      op.WindowID,
		OperationType: op.OperationType,
		State:         op.State,
		Reason:        op.Reason,
		Checkpoints:   names,
		CreatedAt:     op.CreatedAt,
		CompletedAt:   op.CompletedAt,
	}, nil
}

// StartRetentionSweep purges checkpoints of terminal operations older
// than the retention window on a fixed cadence.
func (c *Controller) StartRetentionSweep(ctx context.Context, interval, retention time.Duration) {
	logger := log.With().Str("component", "checkpoint_retention").Logger()
	logger.Info().
		Dur("interval", interval).
		Dur("retention", retention).
		Msg("starting checkpoint retention sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down checkpoint retention sweep")
			return
		case <-ticker.C:
			purged, err := c.db.Purge(retention)
			if err != nil {
				logger.Error().Err(err).Msg("checkpoint purge failed")
				continue
			}
			if purged > 0 {
				logger.Info().Int64("purged", purged).Msg("purged expired checkpoints")
			}
		}
	}
}

// GinHandlers contains HTTP handlers for operation endpoints
type GinHandlers struct {
	controller *Controller
}

func NewGinHandlers(controller *Controller) *GinHandlers {
	return &GinHandlers{controller: controller}
}

func (h *GinHandlers) GetOperationStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operationID := c.Param("operation_id")

		status, err := h.controller.GetOperationStatus(operationID)
		if err != nil && errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "Operation not found")
			return
		}
		response.Handle(c, status, err)
	}
}
