package types

import "errors"

// Engine error taxonomy. Validation and balance errors are returned
// synchronously and never trigger a rollback; anything raised after the
// lock stage of a settlement pipeline does.
var (
	// ErrInvalidWindowState is returned when an operation is attempted
	// against a window in the wrong lifecycle state.
	ErrInvalidWindowState = errors.New("invalid clearing window state")

	// ErrInsufficientBalance is returned when a fund lock cannot be
	// acquired against the account's available balance.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrNettingConservation is returned when net positions for a currency
	// do not sum to zero. Settlement is blocked, never attempted.
	ErrNettingConservation = errors.New("net positions violate conservation")

	// ErrAtomicOperationFailed wraps a pipeline step failure that triggered
	// an automatic rollback.
	ErrAtomicOperationFailed = errors.New("atomic operation failed")

	// ErrRollbackFailed means a compensating action exhausted its retry
	// budget. The operation is terminal and requires operator intervention.
	ErrRollbackFailed = errors.New("rollback failed after exhausting retries")

	// ErrExternalTransferTimeout is returned when the confirm stage times
	// out waiting on the external transfer. Treated as failure, never
	// as success.
	ErrExternalTransferTimeout = errors.New("external transfer confirmation timed out")

	// ErrOperationTerminal is returned when a checkpoint is appended to an
	// operation already in a terminal state.
	ErrOperationTerminal = errors.New("operation is in a terminal state")

	// ErrDuplicateInstruction is returned when a settlement instruction
	// already exists for a net position.
	ErrDuplicateInstruction = errors.New("duplicate settlement instruction for net position")

	// ErrAccountNotFound is returned when a correspondent account cannot
	// be resolved.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when an instruction references a
	// suspended or closed account.
	ErrAccountInactive = errors.New("account is not active")

	// ErrCurrencyMismatch is returned when an instruction's currency does
	// not match the accounts it settles across.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidObligation is returned when a submitted obligation fails
	// intake validation.
	ErrInvalidObligation = errors.New("invalid obligation")
)
