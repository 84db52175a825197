package atomicop

import (
	"encoding/json"
	"fmt"
)

// Checkpoint names. The set is closed: every name here must have a
// compensator registered before the first operation begins, and the
// rollback dispatch refuses unknown names instead of skipping them.
const (
	CheckpointValidated           = "validated"
	CheckpointFundsLocked         = "funds_locked"
	CheckpointTransferInitiated   = "transfer_initiated"
	CheckpointTransferConfirmed   = "transfer_confirmed"
	CheckpointWindowStatusChanged = "window_status_changed"
	CheckpointPositionsComputed   = "positions_computed"
)

// Typed rollback payloads, one per checkpoint kind. Keeping these as a
// closed set of structs rather than free-form blobs means a compensator
// always knows exactly what it is decoding.

// ValidatedData records the instruction a validation passed for.
type ValidatedData struct {
	InstructionID string `json:"instruction_id"`
}

// FundsLockedData records the fund lock to release on rollback.
type FundsLockedData struct {
	LockID    string `json:"lock_id"`
	AccountID string `json:"account_id"`
}

// TransferInitiatedData records the external reference to reverse on
// rollback.
type TransferInitiatedData struct {
	TransferRef   string `json:"transfer_ref"`
	InstructionID string `json:"instruction_id"`
}

// TransferConfirmedData records the confirmed external reference.
type TransferConfirmedData struct {
	TransferRef string `json:"transfer_ref"`
}

// WindowStatusChangedData records the previous window status to revert
// to on rollback.
type WindowStatusChangedData struct {
	WindowID       string `json:"window_id"`
	PreviousStatus string `json:"previous_status"`
}

// PositionsComputedData records the window whose net positions were
// generated.
type PositionsComputedData struct {
	WindowID string `json:"window_id"`
	Count    int    `json:"count"`
}

// EncodeData serializes a rollback payload for storage on a checkpoint.
func EncodeData(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode rollback data: %w", err)
	}
	return string(raw), nil
}

// DecodeData deserializes a checkpoint's rollback payload into the
// typed struct for its kind.
func DecodeData(cp *Checkpoint, v any) error {
	if err := json.Unmarshal([]byte(cp.Data), v); err != nil {
		return fmt.Errorf("failed to decode rollback data for checkpoint %s: %w", cp.CheckpointID, err)
	}
	return nil
}
