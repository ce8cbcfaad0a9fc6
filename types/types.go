package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OperationType tells whether a record is the debit (burn) or credit (mint) leg.
type OperationType string

const (
	OperationBurn OperationType = "burn"
	OperationMint OperationType = "mint"
)

// Status of a bridge transaction. Only forward transitions are allowed,
// see CanTransition.
type Status string

const (
	StatusPending    Status = "pending"    // burn was scanned, mint not yet submitted
	StatusProcessing Status = "processing" // mint submitted to relay, task id known
	StatusCompleted  Status = "completed"  // relay reported execution, tx hash known
	StatusFailed     Status = "failed"     // relay cancelled the task (or stale sweep)
)

var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound            = errors.New("bridge transaction not found")
	ErrDuplicateOriginator = errors.New("bridge transaction with same originator tx hash exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRelayTaskConflict   = errors.New("relay task id already set")
)

// BridgeTransaction is one leg of a cross-chain operation.
// Empty TxHash, TxHashOriginator and RelayTaskID mean "not known yet".
type BridgeTransaction struct {
	ID               string        `json:"id"`
	User             string        `json:"user"`
	Network          string        `json:"network"`
	Type             OperationType `json:"type"`
	Amount           string        `json:"amount"` // human readable decimal, see FormatAmount
	TxHash           string        `json:"txHash,omitempty"`
	TxHashOriginator string        `json:"txHashOriginator,omitempty"`
	RelayTaskID      string        `json:"relayTaskId,omitempty"`
	Status           Status        `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Patch is a partial update. Empty fields are left as they are.
type Patch struct {
	Status      Status
	TxHash      string
	RelayTaskID string
}

// CanTransition reports whether a record may move from one status to another.
// pending -> failed is reserved for the stale sweep.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Apply validates p against the record and mutates it in place.
// Stores call it inside their single-record atomic update.
func (tx *BridgeTransaction) Apply(p Patch) error {
	if p.Status != "" {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, p.Status)
		}
		if !CanTransition(tx.Status, p.Status) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, tx.Status, p.Status, tx.ID)
		}
	}
	if p.RelayTaskID != "" && tx.RelayTaskID != "" && tx.RelayTaskID != p.RelayTaskID {
		return fmt.Errorf("%w: %s has %s, got %s", ErrRelayTaskConflict, tx.ID, tx.RelayTaskID, p.RelayTaskID)
	}

	if p.Status != "" {
		tx.Status = p.Status
	}
	if p.RelayTaskID != "" {
		tx.RelayTaskID = p.RelayTaskID
	}
	if p.TxHash != "" {
		tx.TxHash = p.TxHash
	}
	return nil
}

// Store is the persisted transaction log. It is the only mutator of Status.
type Store interface {
	Create(ctx context.Context, tx *BridgeTransaction) error
	FindByID(ctx context.Context, id string) (*BridgeTransaction, error)
	FindByUser(ctx context.Context, user string) ([]*BridgeTransaction, error)
	FindByTxHash(ctx context.Context, hash string) ([]*BridgeTransaction, error)
	FindByOriginatorHash(ctx context.Context, hash string) (*BridgeTransaction, error)
	FindAllWithStatus(ctx context.Context, status Status) ([]*BridgeTransaction, error)
	UpdateByTaskID(ctx context.Context, taskID string, p Patch) (*BridgeTransaction, error)
	UpdateByOriginatorHash(ctx context.Context, hash string, p Patch) (*BridgeTransaction, error)
}
