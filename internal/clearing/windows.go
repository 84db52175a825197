package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/types"
	"github.com/ksred/interclear/pkg/metrics"
	"github.com/ksred/interclear/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ManagerConfig carries the window cadence knobs.
type ManagerConfig struct {
	WindowDuration       time.Duration
	GracePeriod          time.Duration
	MaxInstructionAmount decimal.Decimal
}

// Manager owns the clearing window state machine. Windows progress
// Open -> Closing -> Closed -> Processing -> Completed | Failed |
// RolledBack; nothing else mutates a window.
type Manager struct {
	db         *Database
	netting    *Engine
	executor   *settlement.Executor
	controller *atomicop.Controller
	publisher  events.Publisher
	cfg        ManagerConfig
}

// NewManager creates the window manager and registers its compensating
// actions with the operation controller.
func NewManager(
	gormDB *gorm.DB,
	netting *Engine,
	executor *settlement.Executor,
	controller *atomicop.Controller,
	publisher events.Publisher,
	cfg ManagerConfig,
) *Manager {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 6 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}

	m := &Manager{
		db:         NewDatabase(gormDB),
		netting:    netting,
		executor:   executor,
		controller: controller,
		publisher:  publisher,
		cfg:        cfg,
	}
	m.registerCompensators()
	return m
}

// GetDB returns the clearing database wrapper.
func (m *Manager) GetDB() *Database {
	return m.db
}

func (m *Manager) registerCompensators() {
	m.controller.RegisterCompensator(atomicop.CheckpointWindowStatusChanged, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.WindowStatusChangedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		window, err := m.db.GetWindow(data.WindowID)
		if err != nil {
			return err
		}
		if window.Status == data.PreviousStatus {
			return nil
		}
		window.Status = data.PreviousStatus
		window.UpdatedAt = time.Now()
		return m.db.UpdateWindow(window)
	})

	m.controller.RegisterCompensator(atomicop.CheckpointPositionsComputed, func(ctx context.Context, cp *atomicop.Checkpoint) error {
		var data atomicop.PositionsComputedData
		if err := atomicop.DecodeData(cp, &data); err != nil {
			return err
		}
		return m.db.DeletePositionsForWindow(data.WindowID)
	})
}

// OpenWindow opens a new clearing window aligned to the configured
// cadence boundary (00:00/06:00/12:00/18:00 UTC at the default six-hour
// duration).
func (m *Manager) OpenWindow() (*ClearingWindow, error) {
	now := time.Now().UTC()
	start := now.Truncate(m.cfg.WindowDuration)

	window := &ClearingWindow{
		WindowID:    "WIN_" + uuid.New().String(),
		Status:      StatusOpen,
		StartTime:   start,
		EndTime:     start.Add(m.cfg.WindowDuration),
		GracePeriod: m.cfg.GracePeriod,
		GrossValue:  decimal.Zero,
		NetValue:    decimal.Zero,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := m.db.CreateWindow(window); err != nil {
		return nil, fmt.Errorf("failed to create clearing window: %w", err)
	}

	metrics.WindowsOpened.Inc()
	if err := m.publisher.Publish(context.Background(), events.New(events.WindowOpened, map[string]any{
		"window_id": window.WindowID,
		"start":     window.StartTime,
		"end":       window.EndTime,
	})); err != nil {
		log.Error().Err(err).Str("window_id", window.WindowID).Msg("failed to publish window opened event")
	}

	log.Info().
		Str("window_id", window.WindowID).
		Time("start_time", window.StartTime).
		Time("end_time", window.EndTime).
		Msg("opened clearing window")
	return window, nil
}

// CurrentWindow returns the latest window still accepting or draining
// obligations.
func (m *Manager) CurrentWindow() (*ClearingWindow, error) {
	window, err := m.db.GetWindowByStatus(StatusOpen, StatusClosing)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no open window", types.ErrInvalidWindowState)
		}
		return nil, err
	}
	return window, nil
}

// GetWindow fetches a window by ID.
func (m *Manager) GetWindow(windowID string) (*ClearingWindow, error) {
	return m.db.GetWindow(windowID)
}

// AdmittableWindow returns the window an incoming obligation lands in:
// the Open window, or a Closing window still inside its grace period.
func (m *Manager) AdmittableWindow() (string, error) {
	window, err := m.CurrentWindow()
	if err != nil {
		return "", err
	}
	switch window.Status {
	case StatusOpen:
		return window.WindowID, nil
	case StatusClosing:
		if time.Now().UTC().Before(window.EndTime.Add(window.GracePeriod)) {
			return window.WindowID, nil
		}
	}
	return "", fmt.Errorf("%w: window %s no longer accepts obligations", types.ErrInvalidWindowState, window.WindowID)
}

// WindowProcessable implements settlement.WindowStateChecker: an
// instruction may only settle while its window is Processing.
func (m *Manager) WindowProcessable(windowID string) error {
	window, err := m.db.GetWindow(windowID)
	if err != nil {
		return err
	}
	if window.Status != StatusProcessing {
		return fmt.Errorf("%w: window %s is %s, not %s",
			types.ErrInvalidWindowState, windowID, window.Status, StatusProcessing)
	}
	return nil
}

// transition moves a window between states, enforcing the legal edges
// of the state machine. The database update is conditional on the
// window still being in its expected state, so two callers racing on
// the same edge (operator process and the scheduler, say) cannot both
// win: the loser gets ErrInvalidWindowState.
func (m *Manager) transition(window *ClearingWindow, to string) error {
	legal := map[string][]string{
		StatusOpen:       {StatusClosing, StatusClosed},
		StatusClosing:    {StatusClosed},
		StatusClosed:     {StatusProcessing},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusFailed:     {StatusRolledBack},
	}

	allowed := false
	for _, next := range legal[window.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: cannot move window %s from %s to %s",
			types.ErrInvalidWindowState, window.WindowID, window.Status, to)
	}

	if err := m.db.TransitionWindow(window.WindowID, window.Status, to); err != nil {
		return err
	}
	window.Status = to
	window.UpdatedAt = time.Now()
	return nil
}

// BeginClosing moves an Open window past its end time into the grace
// period.
func (m *Manager) BeginClosing(windowID string) error {
	window, err := m.db.GetWindow(windowID)
	if err != nil {
		return err
	}
	if err := m.transition(window, StatusClosing); err != nil {
		return err
	}
	log.Info().Str("window_id", windowID).Msg("window closing, grace period started")
	return nil
}

// CloseWindow finishes intake for a window. Used by the scheduler after
// the grace period and by the operator force-close endpoint.
func (m *Manager) CloseWindow(ctx context.Context, windowID string) error {
	window, err := m.db.GetWindow(windowID)
	if err != nil {
		return err
	}
	if window.Status == StatusClosed {
		return nil
	}
	if err := m.transition(window, StatusClosed); err != nil {
		return err
	}

	if err := m.publisher.Publish(ctx, events.New(events.WindowClosed, map[string]any{
		"window_id": window.WindowID,
	})); err != nil {
		log.Error().Err(err).Str("window_id", windowID).Msg("failed to publish window closed event")
	}

	log.Info().Str("window_id", windowID).Msg("closed clearing window")
	return nil
}

// ProcessWindow runs netting and settlement for a Closed window. The
// window reaches Completed only if every instruction finalizes; a
// single failed instruction marks the window Failed and leaves the
// already-finalized instructions untouched.
func (m *Manager) ProcessWindow(ctx context.Context, windowID string) error {
	logger := log.With().
		Str("window_id", windowID).
		Str("service", "clearing").
		Logger()

	window, err := m.db.GetWindow(windowID)
	if err != nil {
		return err
	}
	if window.Status == StatusCompleted {
		return nil
	}
	if window.Status != StatusClosed {
		return fmt.Errorf("%w: window %s is %s, expected %s",
			types.ErrInvalidWindowState, windowID, window.Status, StatusClosed)
	}

	logger.Info().Msg("processing clearing window")

	op, err := m.controller.Begin("window_processing", windowID)
	if err != nil {
		return err
	}

	previous := window.Status
	if err := m.transition(window, StatusProcessing); err != nil {
		if rbErr := op.Rollback(ctx, err.Error()); rbErr != nil {
			logger.Error().Err(rbErr).Msg("failed to close processing operation")
		}
		return err
	}
	if _, err := op.Checkpoint(atomicop.CheckpointWindowStatusChanged, atomicop.WindowStatusChangedData{
		WindowID:       windowID,
		PreviousStatus: previous,
	}); err != nil {
		return m.failProcessing(ctx, op, window, logger, err)
	}

	positions, err := m.netting.ComputeNetPositions(window)
	if err != nil {
		return m.failProcessing(ctx, op, window, logger, err)
	}
	if _, err := op.Checkpoint(atomicop.CheckpointPositionsComputed, atomicop.PositionsComputedData{
		WindowID: windowID,
		Count:    len(positions),
	}); err != nil {
		return m.failProcessing(ctx, op, window, logger, err)
	}

	specs, err := m.netting.BuildInstructionSpecs(positions, m.cfg.MaxInstructionAmount)
	if err != nil {
		return m.failProcessing(ctx, op, window, logger, err)
	}
	instructions, err := m.executor.CreateInstructions(windowID, specs)
	if err != nil {
		return m.failProcessing(ctx, op, window, logger, err)
	}

	logger.Info().
		Int("positions", len(positions)).
		Int("instructions", len(instructions)).
		Msg("executing settlement instructions")

	failed := 0
	for _, instruction := range instructions {
		if err := m.executor.Execute(ctx, instruction.InstructionID); err != nil {
			failed++
			logger.Error().
				Err(err).
				Str("instruction_id", instruction.InstructionID).
				Msg("settlement instruction failed")
		}
	}

	if failed > 0 {
		// Finalized instructions stay finalized; the window records the
		// partial outcome and waits for an operator decision.
		window.FailureReason = fmt.Sprintf("%d of %d instructions failed", failed, len(instructions))
		if err := m.transition(window, StatusFailed); err != nil {
			logger.Error().Err(err).Msg("failed to mark window failed")
		} else if err := m.db.UpdateWindow(window); err != nil {
			logger.Error().Err(err).Msg("failed to persist window failure reason")
		}
		if err := op.Commit(); err != nil {
			logger.Error().Err(err).Msg("failed to commit window processing operation")
		}

		metrics.WindowsProcessed.WithLabelValues(StatusFailed).Inc()
		if err := m.publisher.Publish(ctx, events.New(events.WindowFailed, map[string]any{
			"window_id": windowID,
			"reason":    window.FailureReason,
		})); err != nil {
			logger.Error().Err(err).Msg("failed to publish window failed event")
		}

		logger.Error().
			Int("failed", failed).
			Int("total", len(instructions)).
			Msg("window processing completed with failures")
		return fmt.Errorf("window %s failed: %s", windowID, window.FailureReason)
	}

	if err := m.transition(window, StatusCompleted); err != nil {
		return err
	}
	if err := op.Commit(); err != nil {
		return err
	}

	metrics.WindowsProcessed.WithLabelValues(StatusCompleted).Inc()
	if err := m.publisher.Publish(ctx, events.New(events.WindowCompleted, map[string]any{
		"window_id":          windowID,
		"instructions":       len(instructions),
		"netting_efficiency": window.NettingEfficiency,
	})); err != nil {
		logger.Error().Err(err).Msg("failed to publish window completed event")
	}

	logger.Info().
		Int("instructions", len(instructions)).
		Msg("window processing completed successfully")
	return nil
}

// failProcessing rolls back the window-processing operation itself
// (status change, computed positions) and marks the window Failed.
func (m *Manager) failProcessing(ctx context.Context, op *atomicop.Operation, window *ClearingWindow, logger zerolog.Logger, cause error) error {
	logger.Error().Err(cause).Msg("window processing failed, rolling back")

	if rbErr := op.Rollback(ctx, cause.Error()); rbErr != nil {
		logger.Error().Err(rbErr).Msg("window processing rollback did not complete")
	}

	// The compensator restored the pre-processing status; record the
	// failure for the operator.
	fresh, err := m.db.GetWindow(window.WindowID)
	if err == nil {
		if trErr := m.db.TransitionWindow(fresh.WindowID, fresh.Status, StatusFailed); trErr != nil {
			logger.Error().Err(trErr).Msg("failed to mark window failed")
		} else {
			fresh.Status = StatusFailed
			fresh.FailureReason = cause.Error()
			fresh.UpdatedAt = time.Now()
			if saveErr := m.db.UpdateWindow(fresh); saveErr != nil {
				logger.Error().Err(saveErr).Msg("failed to persist window failure")
			}
		}
	}

	metrics.WindowsProcessed.WithLabelValues(StatusFailed).Inc()
	if err := m.publisher.Publish(ctx, events.New(events.WindowFailed, map[string]any{
		"window_id": window.WindowID,
		"reason":    cause.Error(),
	})); err != nil {
		logger.Error().Err(err).Msg("failed to publish window failed event")
	}
	return cause
}

// RollbackWindow is the operator-authorized rollback of a failed
// window: every not-yet-finalized operation is rolled back in strict
// reverse chronological order. Finalized settlements are never reversed
// automatically; compensating one requires a new, explicitly authorized
// reversing instruction.
func (m *Manager) RollbackWindow(ctx context.Context, windowID, reason string) error {
	logger := log.With().
		Str("window_id", windowID).
		Str("reason", reason).
		Str("service", "clearing").
		Logger()

	window, err := m.db.GetWindow(windowID)
	if err != nil {
		return err
	}
	if window.Status == StatusRolledBack {
		return nil
	}
	if window.Status != StatusFailed {
		return fmt.Errorf("%w: window %s is %s, only failed windows can be rolled back",
			types.ErrInvalidWindowState, windowID, window.Status)
	}

	logger.Warn().Msg("rolling back clearing window")

	ops, err := m.controller.GetDB().GetOperationsForWindow(windowID)
	if err != nil {
		return err
	}

	var rollbackErr error
	for _, op := range ops {
		switch op.State {
		case atomicop.StateCommitted, atomicop.StateRolledBack:
			continue
		case atomicop.StateFailed:
			rollbackErr = fmt.Errorf("%w: operation %s requires operator intervention",
				types.ErrRollbackFailed, op.OperationID)
			continue
		}
		if err := m.controller.RollbackOperation(ctx, op.OperationID, reason); err != nil {
			logger.Error().
				Err(err).
				Str("operation_id", op.OperationID).
				Msg("failed to roll back operation")
			rollbackErr = err
		}
	}
	if rollbackErr != nil {
		return rollbackErr
	}

	if err := m.transition(window, StatusRolledBack); err != nil {
		return err
	}

	metrics.WindowsProcessed.WithLabelValues(StatusRolledBack).Inc()
	if err := m.publisher.Publish(ctx, events.New(events.WindowRolledBack, map[string]any{
		"window_id": windowID,
		"reason":    reason,
	})); err != nil {
		logger.Error().Err(err).Msg("failed to publish window rolled back event")
	}

	logger.Info().Msg("window rolled back")
	return nil
}

// StartScheduler drives the window cadence: it guarantees an Open
// window exists, starts the grace period at end time, closes windows
// after grace, and kicks off processing. Processing a closed window
// runs concurrently with intake for the next open window.
func (m *Manager) StartScheduler(ctx context.Context, tick time.Duration) {
	logger := log.With().Str("component", "window_scheduler").Logger()
	logger.Info().
		Dur("window_duration", m.cfg.WindowDuration).
		Dur("grace_period", m.cfg.GracePeriod).
		Msg("starting window scheduler")

	if _, err := m.CurrentWindow(); err != nil {
		if _, err := m.OpenWindow(); err != nil {
			logger.Error().Err(err).Msg("failed to open initial window")
		}
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down window scheduler")
			return
		case <-ticker.C:
			m.tick(ctx, logger)
		}
	}
}

func (m *Manager) tick(ctx context.Context, logger zerolog.Logger) {
	now := time.Now().UTC()

	open, err := m.db.GetWindowsByStatus(StatusOpen)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler failed to list open windows")
		return
	}
	for i := range open {
		if now.After(open[i].EndTime) {
			if err := m.BeginClosing(open[i].WindowID); err != nil {
				logger.Error().Err(err).Str("window_id", open[i].WindowID).Msg("failed to begin closing window")
			}
		}
	}

	closing, err := m.db.GetWindowsByStatus(StatusClosing)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler failed to list closing windows")
		return
	}
	for i := range closing {
		if now.After(closing[i].EndTime.Add(closing[i].GracePeriod)) {
			windowID := closing[i].WindowID
			if err := m.CloseWindow(ctx, windowID); err != nil {
				logger.Error().Err(err).Str("window_id", windowID).Msg("failed to close window")
				continue
			}
			go func() {
				if err := m.ProcessWindow(ctx, windowID); err != nil {
					logger.Error().Err(err).Str("window_id", windowID).Msg("window processing failed")
				}
			}()
		}
	}

	// Intake never stops: make sure an open window exists for the
	// current boundary.
	if _, err := m.CurrentWindow(); err != nil {
		if _, err := m.OpenWindow(); err != nil {
			logger.Error().Err(err).Msg("failed to open next window")
		}
	}
}

// GinHandlers contains HTTP handlers for window endpoints
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{manager: manager}
}

func (h *GinHandlers) GetCurrentWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		window, err := h.manager.CurrentWindow()
		if err != nil {
			if errors.Is(err, types.ErrInvalidWindowState) {
				response.NotFound(c, "No open clearing window")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, window.Response())
	}
}

func (h *GinHandlers) GetWindowStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		window, err := h.manager.GetWindow(windowID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, window.Response())
	}
}

func (h *GinHandlers) GetWindowPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		positions, err := h.manager.GetDB().GetPositionsForWindow(windowID)
		response.Handle(c, positions, err)
	}
}

func (h *GinHandlers) ForceCloseWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		if err := h.manager.CloseWindow(c.Request.Context(), windowID); err != nil {
			if errors.Is(err, types.ErrInvalidWindowState) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"window_id": windowID, "status": StatusClosed})
	}
}

func (h *GinHandlers) ProcessWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		if err := h.manager.ProcessWindow(c.Request.Context(), windowID); err != nil {
			if errors.Is(err, types.ErrInvalidWindowState) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		window, err := h.manager.GetWindow(windowID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, window.Response())
	}
}

func (h *GinHandlers) RollbackWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		var request struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, "rollback reason is required")
			return
		}

		if err := h.manager.RollbackWindow(c.Request.Context(), windowID, request.Reason); err != nil {
			if errors.Is(err, types.ErrInvalidWindowState) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"window_id": windowID, "status": StatusRolledBack})
	}
}
