package workers

import (
	"context"
	"time"

	"bridgerelay/relay"
	"bridgerelay/types"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Reconciler moves processing records to a terminal status once the relay
// reports one.
type Reconciler struct {
	store   types.Store
	relayer relay.Relayer
}

func NewReconciler(store types.Store, relayer relay.Relayer) *Reconciler {
	return &Reconciler{store: store, relayer: relayer}
}

// ReconcileOnce checks every processing record. Errors are logged and the
// record is retried on the next run.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	processing, err := r.store.FindAllWithStatus(ctx, types.StatusProcessing)
	if err != nil {
		log.Error().Err(err).Msg("Error getting processing bridge transactions")
		return
	}

	for _, tx := range processing {
		if ctx.Err() != nil {
			return
		}
		if tx.RelayTaskID == "" {
			log.Warn().Str("id", tx.ID).Msg("Processing bridge transaction without relay task")
			continue
		}

		status, err := r.relayer.TaskStatus(ctx, tx.RelayTaskID)
		if err != nil {
			log.Error().Err(err).Str("id", tx.ID).Str("task", tx.RelayTaskID).Msg("Error getting relay task status")
			continue
		}

		var patch types.Patch
		switch status.TaskState {
		case relay.StateExecSuccess:
			if status.TransactionHash == "" {
				log.Warn().Str("task", tx.RelayTaskID).Msg("Relay reports success without transaction hash")
				continue
			}
			patch = types.Patch{Status: types.StatusCompleted, TxHash: status.TransactionHash}
		case relay.StateCancelled:
			patch = types.Patch{Status: types.StatusFailed}
		default:
			continue
		}

		if _, err := r.store.UpdateByTaskID(ctx, tx.RelayTaskID, patch); err != nil {
			log.Error().Err(err).Str("id", tx.ID).Str("task", tx.RelayTaskID).Msg("Error updating bridge transaction")
			continue
		}
		log.Info().Str("id", tx.ID).Str("task", tx.RelayTaskID).Str("status", string(patch.Status)).
			Str("txHash", patch.TxHash).Msg("Bridge transaction finalized")
	}
}

// StaleSweeper reports records stuck in pending or processing. With fail
// set it moves them to failed.
type StaleSweeper struct {
	store    types.Store
	clock    clockwork.Clock
	staleAge time.Duration
	fail     bool
}

func NewStaleSweeper(store types.Store, clock clockwork.Clock, staleAge time.Duration, fail bool) *StaleSweeper {
	return &StaleSweeper{store: store, clock: clock, staleAge: staleAge, fail: fail}
}

// SweepOnce returns the stale records it found.
func (s *StaleSweeper) SweepOnce(ctx context.Context) []*types.BridgeTransaction {
	if s.staleAge <= 0 {
		return nil
	}
	cutoff := s.clock.Now().Add(-s.staleAge)

	var stale []*types.BridgeTransaction
	for _, status := range []types.Status{types.StatusPending, types.StatusProcessing} {
		txs, err := s.store.FindAllWithStatus(ctx, status)
		if err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("Error getting bridge transactions")
			continue
		}
		for _, tx := range txs {
			if tx.CreatedAt.After(cutoff) {
				continue
			}
			stale = append(stale, tx)
			log.Warn().Str("id", tx.ID).Str("status", string(tx.Status)).Str("originator", tx.TxHashOriginator).
				Str("task", tx.RelayTaskID).Time("createdAt", tx.CreatedAt).Msg("Stale bridge transaction")
			if !s.fail || tx.TxHashOriginator == "" {
				continue
			}
			if _, err := s.store.UpdateByOriginatorHash(ctx, tx.TxHashOriginator, types.Patch{Status: types.StatusFailed}); err != nil {
				log.Error().Err(err).Str("id", tx.ID).Msg("Error failing stale bridge transaction")
			}
		}
	}
	return stale
}
