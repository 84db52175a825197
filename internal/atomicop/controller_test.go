package atomicop_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*atomicop.Controller, *events.MemoryPublisher) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	publisher := events.NewMemoryPublisher()
	return atomicop.NewController(db, publisher, 2, time.Millisecond), publisher
}

func TestCheckpointsAreSequenced(t *testing.T) {
	ctrl, _ := newTestController(t)

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)

	_, err = op.Checkpoint("step_one", map[string]string{"k": "1"})
	require.NoError(t, err)
	_, err = op.Checkpoint("step_two", map[string]string{"k": "2"})
	require.NoError(t, err)
	_, err = op.Checkpoint("step_three", map[string]string{"k": "3"})
	require.NoError(t, err)

	checkpoints, err := ctrl.GetDB().ListForward(op.ID())
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)
	for i, cp := range checkpoints {
		assert.Equal(t, i+1, cp.Seq)
	}
	assert.Equal(t, "step_one", checkpoints[0].Name)
	assert.Equal(t, "step_three", checkpoints[2].Name)
}

func TestRollbackRunsCompensatorsInReverseOrder(t *testing.T) {
	ctrl, _ := newTestController(t)

	var order []string
	for _, name := range []string{"step_one", "step_two", "step_three"} {
		name := name
		ctrl.RegisterCompensator(name, func(ctx context.Context, cp *atomicop.Checkpoint) error {
			order = append(order, name)
			return nil
		})
	}

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	for _, name := range []string{"step_one", "step_two", "step_three"} {
		_, err = op.Checkpoint(name, nil)
		require.NoError(t, err)
	}

	require.NoError(t, op.Rollback(context.Background(), "test rollback"))
	assert.Equal(t, []string{"step_three", "step_two", "step_one"}, order)

	status, err := ctrl.GetOperationStatus(op.ID())
	require.NoError(t, err)
	assert.Equal(t, atomicop.StateRolledBack, status.State)
}

func TestRollbackIsIdempotent(t *testing.T) {
	ctrl, _ := newTestController(t)

	calls := 0
	ctrl.RegisterCompensator("step_one", func(ctx context.Context, cp *atomicop.Checkpoint) error {
		calls++
		return nil
	})

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	_, err = op.Checkpoint("step_one", nil)
	require.NoError(t, err)

	require.NoError(t, op.Rollback(context.Background(), "first"))
	// Rolling back an already rolled-back operation is a no-op.
	require.NoError(t, op.Rollback(context.Background(), "second"))
	assert.Equal(t, 1, calls)
}

func TestExecuteRollsBackFailedStep(t *testing.T) {
	ctrl, _ := newTestController(t)

	compensated := 0
	ctrl.RegisterCompensator("step_one", func(ctx context.Context, cp *atomicop.Checkpoint) error {
		compensated++
		return nil
	})

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	_, err = op.Checkpoint("step_one", nil)
	require.NoError(t, err)

	// A succeeding step leaves the operation in progress.
	require.NoError(t, op.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, 0, compensated)

	// A failing step rolls the whole operation back through its
	// compensating actions.
	err = op.Execute(context.Background(), func() error { return errors.New("downstream refused") })
	require.ErrorIs(t, err, types.ErrAtomicOperationFailed)
	assert.Equal(t, 1, compensated)

	status, err := ctrl.GetOperationStatus(op.ID())
	require.NoError(t, err)
	assert.Equal(t, atomicop.StateRolledBack, status.State)
}

func TestRollbackRefusesCommittedOperation(t *testing.T) {
	ctrl, _ := newTestController(t)

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	require.NoError(t, op.Commit())

	require.Error(t, op.Rollback(context.Background(), "too late"))
}

func TestCompensatorExhaustionMarksOperationFailed(t *testing.T) {
	ctrl, publisher := newTestController(t)

	attempts := 0
	ctrl.RegisterCompensator("step_one", func(ctx context.Context, cp *atomicop.Checkpoint) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	_, err = op.Checkpoint("step_one", nil)
	require.NoError(t, err)

	err = op.Rollback(context.Background(), "trigger")
	require.ErrorIs(t, err, types.ErrRollbackFailed)
	assert.Equal(t, 2, attempts) // retry budget of 2

	status, err := ctrl.GetOperationStatus(op.ID())
	require.NoError(t, err)
	assert.Equal(t, atomicop.StateFailed, status.State)

	// FAILED is terminal: a later rollback attempt is refused.
	err = ctrl.RollbackOperation(context.Background(), op.ID(), "again")
	require.ErrorIs(t, err, types.ErrRollbackFailed)

	failures := publisher.ByType(events.OperationFailed)
	require.Len(t, failures, 1)
}

func TestCheckpointRefusedOnTerminalOperation(t *testing.T) {
	ctrl, _ := newTestController(t)

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	require.NoError(t, op.Commit())

	_, err = op.Checkpoint("step_late", nil)
	require.ErrorIs(t, err, types.ErrOperationTerminal)
}

func TestCommitOnlyFromInProgress(t *testing.T) {
	ctrl, _ := newTestController(t)

	op, err := ctrl.Begin("settlement", "WIN_1")
	require.NoError(t, err)
	require.NoError(t, op.Rollback(context.Background(), "abort"))

	require.Error(t, op.Commit())
}
